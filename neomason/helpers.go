package neomason

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/crypto/argon2"
	"log/slog"
	"reflect"
	"runtime/debug"
	"strings"
	"unicode/utf8"
)

const loggerContextKey contextKey = "logger"

type contextKey string

var errInvalidTokenHash = errors.New("invalid token hash")

// tokenHashParams are the argon2id parameters encoded in a token hash
type tokenHashParams struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

var defaultTokenHashParams = tokenHashParams{
	Memory:  64 * 1024,
	Time:    1,
	Threads: 4,
	KeyLen:  32,
}

const tokenSaltLength = 16

// structToSlogValue logs a struct as a group keyed by each field's json
// tag. Fields with a `log` tag are logged as the tag's value instead,
// so `log:"[redacted]"` hides secrets. Empty strings, slices, maps and
// nil pointers are left out.
func structToSlogValue(v any) slog.Value {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return slog.AnyValue(nil)
	}
	if val.Kind() == reflect.Ptr {
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
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if key == "" {
			key = field.Name
		}

		if replacement := field.Tag.Get("log"); replacement != "" {
			attrs = append(attrs, slog.String(key, replacement))
			continue
		}
		if omitFromLog(fv) {
			continue
		}

		switch fieldValue := fv.Interface().(type) {
		case *slog.LevelVar:
			attrs = append(attrs, slog.String(key, fieldValue.Level().String()))
		default:
			attrs = append(attrs, slog.Attr{Key: key, Value: structToSlogValue(fieldValue)})
		}
	}
	return slog.GroupValue(attrs...)
}

func omitFromLog(fv reflect.Value) bool {
	switch fv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return fv.IsNil()
	case reflect.Map, reflect.Slice:
		return fv.Len() == 0
	case reflect.String:
		return fv.Len() == 0
	default:
		return false
	}
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok && logger != nil
}

// loggerFrom returns the context logger, or fallback if there isn't one
// (or slog.Default if fallback is nil)
func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// handleRecover logs a recovered panic along with its stack trace
func handleRecover(ctx context.Context, rc any) {
	var err error
	switch v := rc.(type) {
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		err = fmt.Errorf("panic: %v", v)
	}
	loggerFrom(ctx, nil).ErrorContext(
		ctx,
		"recovered from panic",
		tint.Err(err),
		"stack_trace", string(debug.Stack()),
	)
}

// generateRandomHexString returns length hex characters (rounded up to
// an even number) from crypto/rand
func generateRandomHexString(length int) (string, error) {
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateToken returns a random 64 character hex token, suitable
// for use as an API bearer token
func GenerateToken() (string, error) {
	return generateRandomHexString(64)
}

// HashToken hashes an API token with argon2id, returning an encoded
// string suitable for APIConfig.TokenHash:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashToken(token string) (string, error) {
	salt := make([]byte, tokenSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := defaultTokenHashParams
	key := argon2.IDKey([]byte(token), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Time,
		p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// decodeTokenHash parses a hash produced by HashToken
func decodeTokenHash(encoded string) (p tokenHashParams, salt, key []byte, err error) {
	// "", "argon2id", "v=19", params, salt, key
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, errInvalidTokenHash
	}

	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: unsupported version", errInvalidTokenHash)
	}
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad parameters", errInvalidTokenHash)
	}
	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad salt", errInvalidTokenHash)
	}
	if key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad key", errInvalidTokenHash)
	}
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

// verifyToken reports whether token matches a hash from HashToken
func verifyToken(storedHash, token string) (bool, error) {
	p, salt, key, err := decodeTokenHash(storedHash)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(token), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return subtle.ConstantTimeCompare(key, candidate) == 1, nil
}

// splitMessage breaks s into chunks of at most limit bytes, preferring
// to break on newlines. A single line longer than limit is split on
// rune boundaries.
func splitMessage(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}
	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	for _, line := range strings.SplitAfter(s, "\n") {
		if current.Len()+len(line) <= limit {
			current.WriteString(line)
			continue
		}
		flush()
		for len(line) > limit {
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}
