package osubot

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/tls"
	"encoding/hex"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"
)

const loggerContextKey contextKey = "logger"

type contextKey string

// discordInteractionOptions maps command options by name
func discordInteractionOptions(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	byName := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		byName[opt.Name] = opt
	}
	return byName
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogInformational: slog.LevelInfo,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogError:         slog.LevelError,
}

// tlsConfig loads the API server's certificate
func tlsConfig(certFile string, keyFile string, minVersion uint16) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}

// structToSlogValue renders a struct as a slog group keyed by each
// field's JSON name. Empty strings, slices, maps and nil pointers are
// omitted. A `log` tag replaces the field's value, so secrets can be
// tagged `log:"[redacted]"`.
func structToSlogValue(v any) slog.Value {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return slog.AnyValue(nil)
	}
	if val.Kind() == reflect.Pointer {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	typ := val.Type()
	attrs := make([]slog.Attr, 0, typ.NumField())
	for i := range typ.NumField() {
		field := typ.Field(i)
		fv := val.Field(i)
		if !field.IsExported() {
			continue
		}
		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if key == "" {
			key = field.Name
		}
		if replacement, ok := field.Tag.Lookup("log"); ok {
			attrs = append(attrs, slog.String(key, replacement))
			continue
		}
		if isEmptyLogValue(fv) {
			continue
		}
		attrs = append(attrs, slog.Attr{Key: key, Value: structToSlogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

func isEmptyLogValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	case reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	default:
		return false
	}
}

// WithLogger returns a copy of ctx carrying logger, or slog.Default if
// logger is nil
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger set by WithLogger, if any
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok && logger != nil
}

// contextLoggerOr returns the context logger, falling back to fallback
// (or slog.Default if fallback is nil)
func contextLoggerOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	attrs := []any{"id", i.ID, "type", i.Type.String()}
	if i.GuildID != "" {
		attrs = append(attrs, columnGuildID, i.GuildID)
	}
	if i.ChannelID != "" {
		attrs = append(attrs, "channel_id", i.ChannelID)
	}
	if u := interactionUser(&i); u != nil {
		attrs = append(attrs, "user_id", u.ID, "username", u.Username)
	}
	return attrs
}

// interactionUser returns the user who triggered the interaction, which
// is set on Member for guild interactions and User for DMs
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Interaction == nil {
		return nil
	}
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// generateRandomHexString returns a random hex string of the given
// length, rounded up to an even number
func generateRandomHexString(length int) (string, error) {
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// derive64ByteKey derives the session cookie key from the API secret
func derive64ByteKey(secret string) []byte {
	sum := sha512.Sum512([]byte(secret))
	return sum[:]
}
