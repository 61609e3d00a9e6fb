// Package config reads the service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type S3Cfg struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

type Config struct {
	Port               string
	LogLevel           string
	LogConsole         bool
	CacheSize          int
	Resampling         string
	S3                 S3Cfg
	HTTPTimeout        time.Duration
	TempDir            string
	CORSAllowedOrigins []string
	CRSDefinitions     map[int]string
}

func FromEnv() Config {
	cacheSize := getint("CACHE_SIZE", 32)
	if cacheSize < 1 {
		cacheSize = 1
	}

	return Config{
		Port:       getenv("PORT", "8080"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		CacheSize:  cacheSize,
		Resampling: getenv("RESAMPLING", "nearest"),
		S3: S3Cfg{
			Region:    getenv("S3_REGION", "us-west-2"),
			Endpoint:  getenv("S3_ENDPOINT", ""),
			PathStyle: getbool("S3_PATH_STYLE", false),
		},
		HTTPTimeout:        getduration("HTTP_TIMEOUT", 60*time.Second),
		TempDir:            getenv("TEMP_DIR", os.TempDir()),
		CORSAllowedOrigins: getlist("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CRSDefinitions:     parseCRSDefinitions(getenv("CRS_DEFINITIONS", "")),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getlist(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for p := range strings.SplitSeq(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// parse "3035=+proj=laea ...;27700=+proj=tmerc ..." into map
func parseCRSDefinitions(s string) map[int]string {
	out := map[int]string{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for p := range strings.SplitSeq(s, ";") {
		code, def, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(code))
		if err != nil || n <= 0 {
			continue
		}
		if def = strings.TrimSpace(def); def != "" {
			out[n] = def
		}
	}
	return out
}
