package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrUnknownOption is returned for a key that is not a settings field.
	ErrUnknownOption = errors.New("unknown setting")
	// ErrTypeMismatch is returned when a value does not parse as the
	// setting's type.
	ErrTypeMismatch = errors.New("value does not match the setting's type")
	// ErrInvalidValue is returned when a value parses but fails validation.
	ErrInvalidValue = errors.New("invalid setting value")
)

// Store guards the live settings and persists changes to their file.
type Store struct {
	mu   sync.RWMutex
	path string
	s    *Settings
}

// NewStore wraps s. An empty path disables persistence.
func NewStore(path string, s *Settings) *Store {
	if s == nil {
		s = &Settings{}
	}
	return &Store{path: path, s: s}
}

// OpenStore loads path, or starts from defaults when the file does not exist
// yet. The first SetOption creates it.
func OpenStore(path string) (*Store, error) {
	s, err := LoadSettings(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewStore(path, &Settings{}), nil
	}
	if err != nil {
		return nil, err
	}
	return NewStore(path, s), nil
}

// Path returns the settings file path.
func (st *Store) Path() string { return st.path }

// Settings returns a copy of the current settings.
func (st *Store) Settings() *Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.clone()
}

func (s *Settings) clone() *Settings {
	out := &Settings{}
	src := reflect.ValueOf(s).Elem()
	dst := reflect.ValueOf(out).Elem()
	for i := 0; i < src.NumField(); i++ {
		f := src.Field(i)
		if f.IsNil() {
			continue
		}
		p := reflect.New(f.Type().Elem())
		p.Elem().Set(f.Elem())
		dst.Field(i).Set(p)
	}
	return out
}

// Keys lists every settings key in sorted order.
func Keys() []string {
	t := reflect.TypeOf(Settings{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		keys = append(keys, jsonKey(t.Field(i)))
	}
	sort.Strings(keys)
	return keys
}

func jsonKey(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	return name
}

// field returns the pointer field for key in s and the matching default.
func field(s *Settings, key string) (reflect.Value, reflect.Value, bool) {
	v := reflect.ValueOf(s).Elem()
	d := reflect.ValueOf(defaults).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if jsonKey(t.Field(i)) == key {
			return v.Field(i), d.Field(i), true
		}
	}
	return reflect.Value{}, reflect.Value{}, false
}

func effective(s *Settings, key string) (interface{}, bool) {
	f, d, ok := field(s, key)
	if !ok {
		return nil, false
	}
	if f.IsNil() {
		return d.Elem().Interface(), true
	}
	return f.Elem().Interface(), true
}

// GetOption formats one setting as "key: value".
func (st *Store) GetOption(key string) (string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := effective(st.s, key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOption, key)
	}
	return fmt.Sprintf("%s: %v", key, v), nil
}

// Options formats every setting, one "key: value" per line.
func (st *Store) Options() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var b strings.Builder
	for i, key := range Keys() {
		v, _ := effective(st.s, key)
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %v", key, v)
	}
	return b.String()
}

// SetOption parses value as the setting's type, validates the result and
// saves the file. On any error the setting is unchanged.
func (st *Store) SetOption(key, value string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.s.clone()
	f, _, ok := field(next, key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOption, key)
	}
	elem := reflect.New(f.Type().Elem())
	switch elem.Elem().Kind() {
	case reflect.Float64:
		x, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %s wants a number, got %q", ErrTypeMismatch, key, value)
		}
		elem.Elem().SetFloat(x)
	case reflect.Int:
		x, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("%w: %s wants an integer, got %q", ErrTypeMismatch, key, value)
		}
		elem.Elem().SetInt(int64(x))
	case reflect.Bool:
		x, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("%w: %s wants true or false, got %q", ErrTypeMismatch, key, value)
		}
		elem.Elem().SetBool(x)
	case reflect.String:
		elem.Elem().SetString(value)
	default:
		return "", fmt.Errorf("%w: %s has unsupported type %s", ErrTypeMismatch, key, f.Type())
	}
	f.Set(elem)
	if err := next.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if err := save(st.path, next); err != nil {
		return "", err
	}
	st.s = next
	return fmt.Sprintf("%s: %v", key, elem.Elem().Interface()), nil
}

// Save writes the current settings to the store's file.
func (st *Store) Save() error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return save(st.path, st.s)
}

func save(path string, s *Settings) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
