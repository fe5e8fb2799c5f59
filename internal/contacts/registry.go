// Package contacts manages the user's emergency contacts.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"distressguard/internal/model"
)

var (
	ErrInvalidContact = errors.New("contact requires a name and phone number")
	ErrNotFound       = errors.New("contact not found")
)

// Registry is what the escalation controller reads at dispatch time.
type Registry interface {
	List(ctx context.Context) ([]model.Contact, error)
}

// Store is the persistence behind a Book. storage.Store satisfies it.
type Store interface {
	ListContacts(ctx context.Context) ([]model.Contact, error)
	SaveContact(ctx context.Context, contact model.Contact) error
	DeleteContact(ctx context.Context, id string) (bool, error)
}

// Book is the editable contact list.
type Book struct {
	store  Store
	logger *slog.Logger
	newID  func() string
}

// NewBook returns a Book over store, or over an in-memory store when store is
// nil.
func NewBook(store Store, logger *slog.Logger) *Book {
	if store == nil {
		store = NewMemory()
	}
	return &Book{store: store, logger: logger, newID: uuid.NewString}
}

func (b *Book) List(ctx context.Context) ([]model.Contact, error) {
	list, err := b.store.ListContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return list, nil
}

// Lookup finds the contact with id in r.
func Lookup(ctx context.Context, r Registry, id string) (model.Contact, error) {
	list, err := r.List(ctx)
	if err != nil {
		return model.Contact{}, err
	}
	for _, c := range list {
		if c.ID == id {
			return c, nil
		}
	}
	return model.Contact{}, ErrNotFound
}

// Add validates and stores a new contact, assigning it an ID.
func (b *Book) Add(ctx context.Context, c model.Contact) (model.Contact, error) {
	c = normalize(c)
	if err := Validate(c); err != nil {
		return model.Contact{}, err
	}
	if c.ID == "" {
		c.ID = b.newID()
	}
	if err := b.store.SaveContact(ctx, c); err != nil {
		return model.Contact{}, fmt.Errorf("save contact: %w", err)
	}
	if b.logger != nil {
		b.logger.Info("contact added", "contact_id", c.ID, "name", c.Name)
	}
	return c, nil
}

func (b *Book) Remove(ctx context.Context, id string) error {
	ok, err := b.store.DeleteContact(ctx, id)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if b.logger != nil {
		b.logger.Info("contact removed", "contact_id", id)
	}
	return nil
}

func Validate(c model.Contact) error {
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Phone) == "" {
		return ErrInvalidContact
	}
	return nil
}

func normalize(c model.Contact) model.Contact {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Email = strings.TrimSpace(c.Email)
	c.Relationship = strings.TrimSpace(c.Relationship)
	return c
}

// Memory is an in-process contact store that keeps insertion order.
type Memory struct {
	mu       sync.RWMutex
	contacts []model.Contact
}

func NewMemory(initial ...model.Contact) *Memory {
	m := &Memory{}
	m.contacts = append(m.contacts, initial...)
	return m
}

func (m *Memory) ListContacts(context.Context) ([]model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Contact, len(m.contacts))
	copy(out, m.contacts)
	return out, nil
}

func (m *Memory) SaveContact(_ context.Context, c model.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.contacts {
		if m.contacts[i].ID == c.ID {
			m.contacts[i] = c
			return nil
		}
	}
	m.contacts = append(m.contacts, c)
	return nil
}

func (m *Memory) DeleteContact(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.contacts {
		if m.contacts[i].ID == id {
			m.contacts = append(m.contacts[:i], m.contacts[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Static is a fixed Registry.
type Static []model.Contact

func (s Static) List(context.Context) ([]model.Contact, error) {
	out := make([]model.Contact, len(s))
	copy(out, s)
	return out, nil
}
