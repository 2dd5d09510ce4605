package main

import (
	"os"

	"github.com/spf13/viper"
)

// Build-time variables - inject via ldflags
// Example: go build -ldflags "-X main.hyperAPIKey=YOUR_KEY -X main.capSolverAPIKey=YOUR_KEY"
var (
	hyperAPIKey      string // -X main.hyperAPIKey=...
	capSolverAPIKey  string // -X main.capSolverAPIKey=...
	twoCaptchaAPIKey string // -X main.twoCaptchaAPIKey=...
)

// firstNonEmpty returns the build-time value, then the config/flag value,
// then the plain environment variable.
func firstNonEmpty(buildTime, viperKey, env string) string {
	if buildTime != "" {
		return buildTime
	}
	if v := viper.GetString(viperKey); v != "" {
		return v
	}
	return os.Getenv(env)
}

// GetHyperAPIKey returns the Hyper API key.
func GetHyperAPIKey() string {
	return firstNonEmpty(hyperAPIKey, "hyper_key", "HYPER_API_KEY")
}

// GetCapSolverAPIKey returns the CapSolver API key.
func GetCapSolverAPIKey() string {
	return firstNonEmpty(capSolverAPIKey, "capsolver_key", "CAPSOLVER_KEY")
}

// GetTwoCaptchaAPIKey returns the 2Captcha API key.
func GetTwoCaptchaAPIKey() string {
	return firstNonEmpty(twoCaptchaAPIKey, "twocaptcha_key", "2CAP_KEY")
}
