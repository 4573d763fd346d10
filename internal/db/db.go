package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/john-savepoint/T3-Close-ne-sub001/internal/archive"
)

// Connect opens the MySQL database and migrates the archive schema.
// Fatal on failure; both binaries need the database to start.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := gdb.AutoMigrate(&archive.Transcript{}); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
