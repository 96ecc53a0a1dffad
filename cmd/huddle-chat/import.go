// ABOUTME: Seeds the store from a JSON file of users, vendor profiles and messages
// ABOUTME: Messages are appended as one all-or-nothing batch after users are in place

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/go-playground/validator/v10"

	"github.com/2389/huddle-chat/internal/config"
	"github.com/2389/huddle-chat/internal/store"
)

// seedFile is the import document
type seedFile struct {
	Users    []seedUser    `json:"users" validate:"dive"`
	Messages []seedMessage `json:"messages" validate:"dive"`
}

type seedUser struct {
	ID          int64  `json:"id" validate:"gte=0"`
	Type        string `json:"type" validate:"required,oneof=planner vendor"`
	FirstName   string `json:"firstName" validate:"required"`
	LastName    string `json:"lastName"`
	ProfilePic  string `json:"profilePic"`
	CompanyName string `json:"companyName" validate:"excluded_unless=Type vendor"`
}

type seedMessage struct {
	FromUser int64     `json:"fromUser" validate:"required,gt=0"`
	ToUser   int64     `json:"toUser" validate:"required,gt=0,nefield=FromUser"`
	Date     time.Time `json:"date" validate:"required"`
	Message  string    `json:"message" validate:"required"`
}

type importResult struct {
	users    int
	vendors  int
	messages int
}

var seedValidator = validator.New()

func runImport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: huddle-chat import FILE")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()

	seed, err := parseSeed(f)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	res, err := importSeed(ctx, s, seed)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Imported %d users (%d vendor profiles) and %d messages into %s\n",
		res.users, res.vendors, res.messages, cfg.Database.Path)
	return nil
}

func parseSeed(r io.Reader) (*seedFile, error) {
	var seed seedFile
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	if err := seedValidator.Struct(&seed); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	return &seed, nil
}

// importSeed creates users and vendor profiles one by one, then appends all
// messages in a single batch.
func importSeed(ctx context.Context, s store.Store, seed *seedFile) (*importResult, error) {
	res := &importResult{}

	for _, su := range seed.Users {
		u := &store.User{
			ID:         su.ID,
			Role:       store.Role(su.Type),
			FirstName:  su.FirstName,
			LastName:   su.LastName,
			ProfilePic: su.ProfilePic,
		}
		if err := s.CreateUser(ctx, u); err != nil {
			return res, fmt.Errorf("creating user %q: %w", su.FirstName, err)
		}
		res.users++

		if su.CompanyName != "" {
			if err := s.UpsertVendorProfile(ctx, &store.VendorProfile{VendorUserID: u.ID, CompanyName: su.CompanyName}); err != nil {
				return res, fmt.Errorf("creating vendor profile for user %d: %w", u.ID, err)
			}
			res.vendors++
		}
	}

	if len(seed.Messages) == 0 {
		return res, nil
	}

	drafts := make([]*store.MessageDraft, len(seed.Messages))
	for i, m := range seed.Messages {
		drafts[i] = &store.MessageDraft{
			FromUser:  m.FromUser,
			ToUser:    m.ToUser,
			Timestamp: m.Date.UTC(),
			Body:      m.Message,
		}
	}

	msgs, err := s.AppendMessages(ctx, drafts)
	if err != nil {
		return res, fmt.Errorf("appending messages: %w", err)
	}
	res.messages = len(msgs)
	return res, nil
}
