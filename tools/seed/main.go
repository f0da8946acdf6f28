package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"sensor-health/internal/auth"
	sensorapp "sensor-health/internal/sensors/application"
	sensorrepo "sensor-health/internal/sensors/infrastructure/postgres"
)

type config struct {
	dsn           string
	migrate       bool
	sensorPrefix  string
	sensorCount   int
	ownerCount    int
	baseURL       string
	triggerSecret string
	triggerMode   string
}

// reading profiles cycle so a seeded fleet covers every status.
var profiles = []struct {
	name   string
	value  float64
	age    time.Duration
	noData bool
}{
	{name: "ok", value: 25, age: time.Minute},
	{name: "warning", value: 39, age: 2 * time.Minute},
	{name: "alert", value: 47, age: time.Minute},
	{name: "offline", value: 22, age: 2 * time.Hour},
	{name: "unknown", noData: true},
}

func main() {
	cfg := parseConfig()
	logger := logrus.New()
	if cfg.dsn == "" {
		logger.Fatal("PG_DSN or DATABASE_URL is required")
	}
	if cfg.sensorCount <= 0 || cfg.ownerCount <= 0 {
		logger.Fatal("sensor-count and owner-count must be > 0")
	}

	db, err := sql.Open("pgx", cfg.dsn)
	if err != nil {
		logger.WithError(err).Fatal("open db")
	}
	defer db.Close()

	ctx := context.Background()
	if cfg.migrate {
		if err := sensorrepo.Migrate(ctx, db); err != nil {
			logger.WithError(err).Fatal("migrate")
		}
	}

	logger.WithFields(logrus.Fields{"sensors": cfg.sensorCount, "owners": cfg.ownerCount}).Info("seeding sensors")
	if err := seed(ctx, db, cfg, time.Now().UTC()); err != nil {
		logger.WithError(err).Fatal("seed")
	}

	if cfg.baseURL != "" {
		report, err := trigger(ctx, cfg)
		if err != nil {
			logger.WithError(err).Fatal("trigger dispatch run")
		}
		logger.WithFields(logrus.Fields{
			"run_id":      report.RunID,
			"evaluated":   report.Evaluated,
			"transitions": report.Transitions,
			"notified":    report.Notified,
			"suppressed":  report.Suppressed,
			"failed":      report.Failed,
		}).Info("dispatch run finished")
	}
	logger.Info("seed completed")
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dsn, "pg-dsn", envOrDefault("PG_DSN", envOrDefault("DATABASE_URL", "")), "Postgres DSN")
	flag.BoolVar(&cfg.migrate, "migrate", envOrBool("SEED_MIGRATE", true), "apply schema before seeding")
	flag.StringVar(&cfg.sensorPrefix, "sensor-prefix", envOrDefault("SENSOR_PREFIX", "sensor-seed-"), "sensor id prefix")
	flag.IntVar(&cfg.sensorCount, "sensor-count", envOrInt("SENSOR_COUNT", 25), "number of sensors to seed")
	flag.IntVar(&cfg.ownerCount, "owner-count", envOrInt("OWNER_COUNT", 5), "number of owners to spread sensors over")
	flag.StringVar(&cfg.baseURL, "base-url", envOrDefault("BASE_URL", ""), "service base URL; when set a dispatch run is triggered")
	flag.StringVar(&cfg.triggerSecret, "trigger-secret", envOrDefault("TRIGGER_HMAC_SECRET", ""), "HMAC secret for the dispatch trigger")
	flag.StringVar(&cfg.triggerMode, "mode", envOrDefault("TRIGGER_MODE", sensorapp.ModeFull), "dispatch mode (full or sweep)")
	flag.Parse()
	return cfg
}

func seed(ctx context.Context, db *sql.DB, cfg config, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i := 1; i <= cfg.ownerCount; i++ {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO users (id, email, email_alerts) VALUES ($1, $2, TRUE)
ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email`, ownerID(i), fmt.Sprintf("owner%02d@example.com", i)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO users (id, email, email_alerts) VALUES ('user-seed-viewer', 'viewer@example.com', TRUE)
ON CONFLICT (id) DO NOTHING`); err != nil {
		return err
	}

	for i := 1; i <= cfg.sensorCount; i++ {
		sensorID := fmt.Sprintf("%s%04d", cfg.sensorPrefix, i)
		profile := profiles[(i-1)%len(profiles)]
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sensors (id, owner_id, name, unit, alerts_enabled)
VALUES ($1, $2, $3, '°C', TRUE)
ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, name = EXCLUDED.name`,
			sensorID, ownerID((i-1)%cfg.ownerCount+1), fmt.Sprintf("Seed %s %d", profile.name, i)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sensor_thresholds (sensor_id, min_limit, max_limit, warning_percent, updated_at)
VALUES ($1, 10, 40, 10, $2)
ON CONFLICT (sensor_id) DO UPDATE SET min_limit = 10, max_limit = 40, warning_percent = 10, updated_at = EXCLUDED.updated_at`,
			sensorID, now); err != nil {
			return err
		}
		if profile.noData {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sensor_latest_readings WHERE sensor_id = $1`, sensorID); err != nil {
				return err
			}
		} else if _, err := tx.ExecContext(ctx, `
INSERT INTO sensor_latest_readings (sensor_id, value, recorded_at) VALUES ($1, $2, $3)
ON CONFLICT (sensor_id) DO UPDATE SET value = EXCLUDED.value, recorded_at = EXCLUDED.recorded_at`,
			sensorID, profile.value, now.Add(-profile.age)); err != nil {
			return err
		}
		if i%3 == 0 {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO sensor_shares (sensor_id, user_id, role, status, alerts_enabled)
VALUES ($1, 'user-seed-viewer', 'viewer', 'accepted', TRUE)
ON CONFLICT (sensor_id, user_id) DO UPDATE SET status = 'accepted'`, sensorID); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func trigger(ctx context.Context, cfg config) (sensorapp.RunReport, error) {
	var report sensorapp.RunReport
	if cfg.triggerSecret == "" {
		return report, fmt.Errorf("trigger-secret is required with base-url")
	}
	body, _ := json.Marshal(map[string]string{"mode": cfg.triggerMode})
	url := strings.TrimRight(cfg.baseURL, "/") + "/internal/v1/dispatch/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return report, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trigger-Timestamp", ts)
	req.Header.Set("X-Trigger-Signature", auth.SignRequest([]byte(cfg.triggerSecret), ts, body))

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return report, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return report, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		return report, err
	}
	return report, nil
}

func ownerID(i int) string {
	return fmt.Sprintf("user-seed-owner-%02d", i)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
