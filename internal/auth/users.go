package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists         = errors.New("auth: user already exists")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

const usersKey = "users"

// User is a registered account. The password hash never leaves this package.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	PasswordHash string `json:"passwordHash"`
}

// Users is the redis-backed account registry, keyed by email.
type Users struct {
	rdb *redis.Client
}

func NewUsers(rdb *redis.Client) *Users {
	return &Users{rdb: rdb}
}

// Register creates an account with a bcrypt-hashed password.
func (u *Users) Register(ctx context.Context, email, name, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
	}
	data, err := json.Marshal(user)
	if err != nil {
		return nil, err
	}

	created, err := u.rdb.HSetNX(ctx, usersKey, email, data).Result()
	if err != nil {
		return nil, fmt.Errorf("auth: store user: %w", err)
	}
	if !created {
		return nil, ErrUserExists
	}
	return user, nil
}

// Authenticate checks the credentials and returns the account.
func (u *Users) Authenticate(ctx context.Context, email, password string) (*User, error) {
	data, err := u.rdb.HGet(ctx, usersKey, email).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load user: %w", err)
	}

	var user User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}
