package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const historyTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func migrationFiles(pattern string) ([]string, error) {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "get file glob")
	}
	// 001_..., 002_... применяются по порядку имён
	sort.Strings(files)
	return files, nil
}

func applied(ctx context.Context, conn *pgx.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "select applied migrations")
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan migration name")
		}
		done[name] = true
	}
	return done, errors.Wrap(rows.Err(), "read applied migrations")
}

func applyFile(ctx context.Context, conn *pgx.Conn, file string) error {
	body, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrapf(err, "read %s", file)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(body)); err != nil {
		return errors.Wrapf(err, "exec %s", file)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, filepath.Base(file)); err != nil {
		return errors.Wrapf(err, "record %s", file)
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

func run(ctx context.Context) error {
	dsn := viper.GetString("dsn")
	if dsn == "" {
		return errors.New("has no dsn in config")
	}
	files, err := migrationFiles(viper.GetString("source"))
	if err != nil {
		return err
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, historyTable); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}
	done, err := applied(ctx, conn)
	if err != nil {
		return err
	}

	for _, file := range files {
		name := filepath.Base(file)
		if done[name] {
			continue
		}
		if err := applyFile(ctx, conn, file); err != nil {
			return err
		}
		fmt.Printf("%s applied\n", name)
	}
	return nil
}

func main() {
	viper.SetConfigName(".migrate")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetDefault("source", "migrations/*.sql")
	viper.SetDefault("timeout", time.Minute)
	viper.SetEnvPrefix("MIGRATE")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	if err := run(ctx); err != nil {
		panic(fmt.Errorf("migrate: %w", err))
	}
	fmt.Println("done")
}
