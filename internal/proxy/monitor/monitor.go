// Package monitor records proxied chat requests to SQLite for the admin
// dashboard: a small in-memory ring for recent entries plus async persistence
// and aggregate counters.
package monitor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// MaxErrorSize bounds the stored error text.
	MaxErrorSize = 2048
	// MaxMemoryLogs limits the in-memory recent-log cache.
	MaxMemoryLogs = 100
)

// RequestLog is one proxied chat request.
type RequestLog struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Timestamp    int64  `gorm:"index" json:"timestamp"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	Status       int    `json:"status"`
	Duration     int64  `json:"duration"` // milliseconds
	Provider     string `gorm:"index" json:"provider,omitempty"`
	Model        string `gorm:"index" json:"model,omitempty"`
	AccountID    string `gorm:"index" json:"account_id,omitempty"`
	AccountEmail string `json:"account_email,omitempty"`
	Stream       bool   `json:"stream"`
	Error        string `json:"error,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// RequestStats holds aggregated counters for request logs.
type RequestStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}

// Monitor manages request logging and statistics.
type Monitor struct {
	db *gorm.DB

	recentLogs []RequestLog
	logsMu     sync.RWMutex

	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
}

// Open initializes the SQLite-backed monitor at dbPath.
func Open(dbPath string) (*Monitor, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&RequestLog{}); err != nil {
		return nil, err
	}

	m := &Monitor{
		db:         db,
		recentLogs: make([]RequestLog, 0, MaxMemoryLogs),
	}
	m.loadStatsFromDB()
	return m, nil
}

// Record logs a proxied request. Persistence is async and non-blocking.
func (m *Monitor) Record(entry RequestLog) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	if len(entry.Error) > MaxErrorSize {
		entry.Error = entry.Error[:MaxErrorSize] + "...[truncated]"
	}

	m.totalRequests.Add(1)
	if entry.Status >= 200 && entry.Status < 400 {
		m.successCount.Add(1)
	} else {
		m.errorCount.Add(1)
	}

	m.logsMu.Lock()
	m.recentLogs = append([]RequestLog{entry}, m.recentLogs...)
	if len(m.recentLogs) > MaxMemoryLogs {
		m.recentLogs = m.recentLogs[:MaxMemoryLogs]
	}
	m.logsMu.Unlock()

	go func(entry RequestLog) {
		if err := m.db.Create(&entry).Error; err != nil {
			log.Printf("⚠️ Monitor failed to save log: %v", err)
		}
	}(entry)
}

// Logs returns recent request logs, newest first.
func (m *Monitor) Logs(limit int, sinceMinutes int) []RequestLog {
	if limit <= 0 {
		limit = 100
	}

	var logs []RequestLog
	query := m.db.Order("timestamp DESC").Limit(limit)
	if sinceMinutes > 0 {
		since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute).UnixMilli()
		query = query.Where("timestamp >= ?", since)
	}
	if err := query.Find(&logs).Error; err != nil {
		log.Printf("⚠️ Monitor failed to read logs: %v", err)
		m.logsMu.RLock()
		defer m.logsMu.RUnlock()
		if limit > len(m.recentLogs) {
			limit = len(m.recentLogs)
		}
		return m.recentLogs[:limit]
	}
	return logs
}

// Stats returns the aggregate counters.
func (m *Monitor) Stats() RequestStats {
	return RequestStats{
		TotalRequests: m.totalRequests.Load(),
		SuccessCount:  m.successCount.Load(),
		ErrorCount:    m.errorCount.Load(),
	}
}

// Clear drops all logs from memory and the database.
func (m *Monitor) Clear() error {
	m.logsMu.Lock()
	m.recentLogs = m.recentLogs[:0]
	m.logsMu.Unlock()

	m.totalRequests.Store(0)
	m.successCount.Store(0)
	m.errorCount.Store(0)

	if err := m.db.Exec("DELETE FROM request_logs").Error; err != nil {
		log.Printf("⚠️ Monitor failed to clear logs: %v", err)
		return err
	}
	return nil
}

func (m *Monitor) loadStatsFromDB() {
	var total, success, errors int64
	m.db.Model(&RequestLog{}).Count(&total)
	m.db.Model(&RequestLog{}).Where("status >= 200 AND status < 400").Count(&success)
	m.db.Model(&RequestLog{}).Where("status < 200 OR status >= 400").Count(&errors)

	m.totalRequests.Store(total)
	m.successCount.Store(success)
	m.errorCount.Store(errors)
}
