// ABOUTME: Mints bearer tokens for existing users
// ABOUTME: Signs with the configured jwt_secret after checking the user exists

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/huddle-chat/internal/auth"
	"github.com/2389/huddle-chat/internal/config"
	"github.com/2389/huddle-chat/internal/store"
)

const defaultTokenTTL = 30 * 24 * time.Hour

type tokenArgs struct {
	userID int64
	ttl    time.Duration
}

// parseTokenArgs accepts "--user ID" / "--user=ID" and "--ttl DUR" / "--ttl=DUR".
func parseTokenArgs(args []string) (*tokenArgs, error) {
	out := &tokenArgs{ttl: defaultTokenTTL}
	var rawUser, rawTTL string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return nil, errors.New("--user requires a value")
			}
			rawUser = args[i+1]
			i++
		case strings.HasPrefix(arg, "--user="):
			rawUser = strings.TrimPrefix(arg, "--user=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return nil, errors.New("--ttl requires a value")
			}
			rawTTL = args[i+1]
			i++
		case strings.HasPrefix(arg, "--ttl="):
			rawTTL = strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return nil, fmt.Errorf("unknown flag: %s", arg)
		default:
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if rawUser == "" {
		return nil, errors.New("--user flag is required")
	}
	id, err := strconv.ParseInt(rawUser, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid user id %q", rawUser)
	}
	out.userID = id

	if rawTTL != "" {
		ttl, err := time.ParseDuration(rawTTL)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("invalid ttl %q", rawTTL)
		}
		out.ttl = ttl
	}
	return out, nil
}

func runToken(ctx context.Context, args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	token, user, err := mintToken(ctx, s, []byte(cfg.Auth.JWTSecret), parsed.userID, parsed.ttl)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Fprintf(color.Error, "  ✓ Token for %s (%s, user %d), expires %s\n",
		user.DisplayName(), user.Role, user.ID, time.Now().Add(parsed.ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

// mintToken signs a token for userID after checking it exists.
func mintToken(ctx context.Context, users store.UserDirectory, secret []byte, userID int64, ttl time.Duration) (string, *store.User, error) {
	user, err := users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, fmt.Errorf("user %d does not exist", userID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("looking up user: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(secret)
	if err != nil {
		return "", nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(user.ID, ttl)
	if err != nil {
		return "", nil, fmt.Errorf("generating token: %w", err)
	}
	return token, user, nil
}
