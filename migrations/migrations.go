package migrations

import (
	"database/sql"
	"fmt"
)

var db *sql.DB

// Init sets the DB connection for migrations.
func Init(database *sql.DB) {
	db = database
}

// Migrate creates the required tables if they do not exist.
func Migrate() error {
	if db == nil {
		return fmt.Errorf("db is not initialized")
	}

	createTherapists := `
	CREATE TABLE IF NOT EXISTS therapists (
		id INT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(191) NOT NULL,
		email VARCHAR(191) NOT NULL DEFAULT '',
		phone VARCHAR(50) NOT NULL DEFAULT '',
		credential VARCHAR(10) NOT NULL DEFAULT 'SLP',
		hourly_rate DECIMAL(10,2) NOT NULL DEFAULT 0.00,
		photo_url VARCHAR(255) NOT NULL DEFAULT '',
		active TINYINT(1) NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	if _, err := db.Exec(createTherapists); err != nil {
		return err
	}

	// uniq_therapist_slot makes a racing double-publish or double-claim
	// impossible at the storage level.
	createSlots := `
	CREATE TABLE IF NOT EXISTS therapist_slots (
		id INT AUTO_INCREMENT PRIMARY KEY,
		therapist_id INT NOT NULL,
		starts_at DATETIME NOT NULL,
		duration_minutes INT NOT NULL DEFAULT 30,
		status VARCHAR(16) NOT NULL DEFAULT 'available',
		evaluation_id INT NULL,
		session_id INT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uniq_therapist_slot (therapist_id, starts_at),
		KEY idx_slots_status (status, starts_at),
		FOREIGN KEY (therapist_id) REFERENCES therapists(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	if _, err := db.Exec(createSlots); err != nil {
		return err
	}

	createEvaluations := `
	CREATE TABLE IF NOT EXISTS evaluations (
		id INT AUTO_INCREMENT PRIMARY KEY,
		ref CHAR(36) NOT NULL,
		client_id INT NOT NULL,
		therapist_id INT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'pending_payment',
		scheduled_at DATETIME NULL,
		review_deadline DATETIME NULL,
		intake_snapshot JSON NULL,
		recommended_tier VARCHAR(20) NULL,
		fee_amount DECIMAL(10,2) NOT NULL DEFAULT 195.00,
		fee_paid TINYINT(1) NOT NULL DEFAULT 0,
		payment_reference VARCHAR(191) NULL,
		credit_applied TINYINT(1) NOT NULL DEFAULT 0,
		notes TEXT NULL,
		resource_access TINYINT(1) NOT NULL DEFAULT 0,
		reminder_sent TINYINT(1) NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uniq_evaluation_ref (ref),
		UNIQUE KEY uniq_evaluation_payment_ref (payment_reference),
		KEY idx_evaluations_client_status (client_id, status),
		KEY idx_evaluations_deadline (status, review_deadline)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	if _, err := db.Exec(createEvaluations); err != nil {
		return err
	}

	// active_client_id mirrors client_id while the subscription is active and
	// is NULL otherwise; the unique key on it enforces at most one active
	// subscription per client even under concurrent activation.
	createSubscriptions := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id INT AUTO_INCREMENT PRIMARY KEY,
		client_id INT NOT NULL,
		active_client_id INT NULL,
		tier VARCHAR(20) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		sessions_used INT NOT NULL DEFAULT 0,
		credit_applied_amount DECIMAL(10,2) NOT NULL DEFAULT 0.00,
		payment_reference VARCHAR(191) NULL,
		processor_subscription_id VARCHAR(191) NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uniq_active_client (active_client_id),
		UNIQUE KEY uniq_subscription_payment_ref (payment_reference),
		UNIQUE KEY uniq_subscription_processor_ref (processor_subscription_id),
		KEY idx_subscriptions_client (client_id, status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	if _, err := db.Exec(createSubscriptions); err != nil {
		return err
	}

	createSessions := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INT AUTO_INCREMENT PRIMARY KEY,
		ref CHAR(36) NOT NULL,
		client_id INT NOT NULL,
		therapist_id INT NOT NULL,
		subscription_id INT NULL,
		starts_at DATETIME NOT NULL,
		duration_minutes INT NOT NULL DEFAULT 30,
		session_type VARCHAR(20) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'scheduled',
		price DECIMAL(10,2) NOT NULL DEFAULT 0.00,
		payment_status VARCHAR(16) NOT NULL DEFAULT 'not-required',
		payment_reference VARCHAR(191) NULL,
		cancellation_fee DECIMAL(10,2) NOT NULL DEFAULT 0.00,
		cancellation_fee_paid TINYINT(1) NOT NULL DEFAULT 0,
		cancellation_reason TEXT NULL,
		notes TEXT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uniq_session_ref (ref),
		UNIQUE KEY uniq_session_payment_ref (payment_reference),
		KEY idx_sessions_client (client_id, status),
		KEY idx_sessions_therapist (therapist_id, starts_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	if _, err := db.Exec(createSessions); err != nil {
		return err
	}
	return nil
}

// SeedDemoTherapists inserts a pair of therapists when the table is empty so a
// fresh environment has bookable profiles.
func SeedDemoTherapists() error {
	if db == nil {
		return fmt.Errorf("db is not initialized")
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(1) FROM therapists").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	seed := []struct {
		name, email, credential string
		hourlyRate              float64
	}{
		{"Dana Whitfield", "dana@verdantly.example", "SLP", 70},
		{"Marisol Vega", "marisol@verdantly.example", "SLPA", 0},
	}
	for _, s := range seed {
		if _, err := db.Exec(
			"INSERT INTO therapists (name, email, credential, hourly_rate) VALUES (?, ?, ?, ?)",
			s.name, s.email, s.credential, s.hourlyRate,
		); err != nil {
			return err
		}
	}
	return nil
}
