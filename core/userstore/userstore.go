package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/bcrypt"
)

// Role orders user privilege: root > admin > user.
type Role string

const (
	RoleRoot  Role = "root"
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

var roleOrder = []Role{RoleRoot, RoleAdmin, RoleUser}

// ValidRole reports whether the string names a known role.
func ValidRole(r string) bool {
	for _, known := range roleOrder {
		if Role(r) == known {
			return true
		}
	}
	return false
}

// PriorityOver reports whether role1 is greater or equal than (>=) role2.
func PriorityOver(role1, role2 Role) bool {
	return roleIndex(role1) <= roleIndex(role2)
}

func roleIndex(r Role) int {
	for i, known := range roleOrder {
		if r == known {
			return i
		}
	}
	return len(roleOrder)
}

// ErrUserNotFound is returned when a username is unknown.
var ErrUserNotFound = errors.New("user not found")

// User is a stored account. HashedPassword never leaves this package except
// through VerifyPassword.
type User struct {
	ID             int64
	Username       string
	Role           Role
	HashedPassword string
}

// UserCreate carries the fields needed to provision an account.
type UserCreate struct {
	Username string
	Role     Role
	Password string
}

// Store is a SQL-backed user registry with login history.
type Store struct {
	db *sql.DB
}

// Open connects to the database named by a DSN (mysql driver).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open user db: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle; used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitDB provisions the schema and the root account. It is idempotent:
// rerunning against an initialized database changes nothing.
func (s *Store) InitDB(ctx context.Context, rootPassword string) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			username VARCHAR(191) NOT NULL UNIQUE,
			role VARCHAR(16) NOT NULL,
			hashed_password VARCHAR(191) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logins (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			time DATETIME NOT NULL,
			INDEX idx_logins_user (user_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init user db: %w", err)
		}
	}
	if rootPassword == "" {
		return nil
	}
	_, err := s.GetUserByUsername(ctx, "root")
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	_, err = s.CreateUser(ctx, UserCreate{Username: "root", Role: RoleRoot, Password: rootPassword})
	return err
}

// GetUserByUsername resolves an account; fails with ErrUserNotFound.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, role, hashed_password FROM users WHERE username = ?`, username)
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Username, &role, &u.HashedPassword); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

// CreateUser provisions an account with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, create UserCreate) (*User, error) {
	if !ValidRole(string(create.Role)) {
		return nil, fmt.Errorf("unknown role %q", create.Role)
	}
	hashed, err := HashPassword(create.Password)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, role, hashed_password) VALUES (?, ?, ?)`,
		create.Username, string(create.Role), hashed)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: create.Username, Role: create.Role, HashedPassword: hashed}, nil
}

// CreateLogin appends a login record for the user.
func (s *Store) CreateLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logins (user_id, time) VALUES (?, ?)`,
		userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

// HashPassword derives a bcrypt hash for storage.
func HashPassword(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword checks a plaintext password against a stored hash.
func VerifyPassword(plain, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}
