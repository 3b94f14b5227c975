// Package store is the embedded relational store: schema, migrations,
// settings key/value, and the audit log sink (spec.md L1 Store).
package store

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the gorm handle the rest of the control plane depends on.
// Mirrors the teacher's internal/database.Database wrapper shape.
type Store struct {
	DB *gorm.DB
}

// Connect opens (creating if necessary) the SQLite database at path and
// runs AutoMigrate over every entity.
func Connect(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	s := &Store{DB: db}
	if err := s.EnsureDefaults(); err != nil {
		return nil, fmt.Errorf("seed default settings: %w", err)
	}
	return s, nil
}

// defaultSettings mirrors the authoritative key set in spec.md §6.
var defaultSettings = map[string]string{
	"default_server_behavior":        "404",
	"default_server_custom_page":     "",
	"default_server_custom_url":      "",
	"admin_cert_id":                  "",
	"security_ip_blacklist_enabled":  "false",
	"security_user_agent_filter_enabled": "false",
	"security_rate_limit_enabled":    "false",
	"security_default_deny_countries": "",
	"security_geoip_database_path":   "",
	"waf_enabled":                    "true",
	"waf_mode":                       "detection",
	"waf_default_profile_id":         "",
	"notifications_enabled":          "false",
	"notification_channels":         "",
	"jwt_secret":                     "",
}

// EnsureDefaults seeds any settings key from defaultSettings that is not
// already present, without overwriting an existing value (spec.md §6).
func (s *Store) EnsureDefaults() error {
	for key, value := range defaultSettings {
		var existing Setting
		err := s.DB.Where("key = ?", key).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := s.DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
		log.Printf("[store] seeded default setting %s", key)
	}
	return nil
}

// GetSetting returns a setting's value, or "" if unset.
func (s *Store) GetSetting(key string) (string, error) {
	var row Setting
	err := s.DB.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// SetSetting upserts a setting's value.
func (s *Store) SetSetting(key, value string) error {
	return s.DB.Save(&Setting{Key: key, Value: value}).Error
}

// RecordAudit appends an AuditLog row. Never returns an error to the caller
// path that drives it — failures are logged, since audit logging must never
// block a mutating operation (spec.md §1 lists the audit sink as an external
// collaborator the core merely feeds).
func (s *Store) RecordAudit(actor, action, entityType string, entityID uint, detail string) {
	row := AuditLog{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}
	if err := s.DB.Create(&row).Error; err != nil {
		log.Printf("[store] audit log write failed: %v", err)
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
