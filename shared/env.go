package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version is stamped into log lines of the CLI.
var Version = "dev"

// Parser converts a raw environment value.
type Parser[T any] func(string) (T, error)

func GetenvString(s string) (string, error) {
	return s, nil
}

func GetenvBool(s string) (bool, error) {
	return strconv.ParseBool(s)
}

func GetenvInt(s string) (int, error) {
	return strconv.Atoi(s)
}

func GetenvDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// Getenv reads key and parses it. A missing key yields def unless required.
func Getenv[T any](parse Parser[T], key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse Parser[T], key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
