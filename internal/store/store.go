// Package store persists users and the sandbox registry in a single bbolt
// file, one bucket per entity kind. Writes are serialized by bbolt's
// single-writer transactions; readers never block writers.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers     = []byte("users")
	bucketSandboxes = []byte("sandboxes")
)

// User is an account row. PasswordHash and APIKey never leave the API layer
// unmasked.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	APIKey       string    `json:"api_key"`
	CreatedAt    time.Time `json:"created_at"`
	IsActive     bool      `json:"is_active"`
}

// Sandbox is a registry row. ContainerID is the runtime handle and is never
// exposed through the tool surface; ID is the stable external identifier.
type Sandbox struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	ContainerID string    `json:"container_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Store is the durable backing for the identity store and sandbox registry.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the bbolt file at path and ensures all buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketUsers, bucketSandboxes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new user. Username and email uniqueness is enforced
// inside the write transaction.
func (s *Store) CreateUser(user *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var dup bool
		_ = b.ForEach(func(_, v []byte) error {
			var existing User
			if err := json.Unmarshal(v, &existing); err != nil {
				return nil
			}
			if existing.Username == user.Username || existing.Email == user.Email {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("username or email already registered: %w", errdefs.ErrConflict)
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.ID), data)
	})
}

// UpdateUser overwrites an existing user row.
func (s *Store) UpdateUser(user *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(user.ID)) == nil {
			return fmt.Errorf("user %s: %w", user.ID, errdefs.ErrNotFound)
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.ID), data)
	})
}

// GetUser fetches a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername scans for a user with the given username. The store
// holds tens to thousands of users; a full scan is cheaper than keeping a
// second index consistent.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	return s.findUser(func(u *User) bool { return u.Username == username })
}

// GetUserByAPIKey scans for the user owning the given API key.
func (s *Store) GetUserByAPIKey(key string) (*User, error) {
	return s.findUser(func(u *User) bool { return u.APIKey == key })
}

func (s *Store) findUser(match func(*User) bool) (*User, error) {
	var found *User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var user User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			if found == nil && match(&user) {
				found = &user
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("user: %w", errdefs.ErrNotFound)
	}
	return found, nil
}

// CreateSandbox inserts a registry row. No two rows may share a container.
func (s *Store) CreateSandbox(sb *Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		var dup bool
		_ = b.ForEach(func(_, v []byte) error {
			var existing Sandbox
			if err := json.Unmarshal(v, &existing); err != nil {
				return nil
			}
			if existing.ContainerID == sb.ContainerID {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("container %s already registered: %w", sb.ContainerID, errdefs.ErrConflict)
		}
		data, err := json.Marshal(sb)
		if err != nil {
			return err
		}
		return b.Put([]byte(sb.ID), data)
	})
}

// GetSandbox fetches a registry row by sandbox id.
func (s *Store) GetSandbox(id string) (*Sandbox, error) {
	var sb Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSandboxes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sandbox %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &sb)
	})
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

// ListSandboxes returns every registry row.
func (s *Store) ListSandboxes() ([]*Sandbox, error) {
	var out []*Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(_, v []byte) error {
			var sb Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			out = append(out, &sb)
			return nil
		})
	})
	return out, err
}

// ListSandboxesByUser returns every registry row owned by userID.
func (s *Store) ListSandboxesByUser(userID string) ([]*Sandbox, error) {
	all, err := s.ListSandboxes()
	if err != nil {
		return nil, err
	}
	out := make([]*Sandbox, 0, len(all))
	for _, sb := range all {
		if sb.UserID == userID {
			out = append(out, sb)
		}
	}
	return out, nil
}

// DeleteSandbox removes a registry row. Deleting an absent row is a no-op.
func (s *Store) DeleteSandbox(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).Delete([]byte(id))
	})
}

// TouchSandbox sets last_used_at to now.
func (s *Store) TouchSandbox(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sandbox %s: %w", id, errdefs.ErrNotFound)
		}
		var sb Sandbox
		if err := json.Unmarshal(data, &sb); err != nil {
			return err
		}
		sb.LastUsedAt = time.Now().UTC()
		updated, err := json.Marshal(&sb)
		if err != nil {
			return err
		}
		return b.Put([]byte(sb.ID), updated)
	})
}
