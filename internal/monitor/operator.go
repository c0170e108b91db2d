package monitor

import (
	"os"
	"os/user"
)

// currentOperator returns the name of the user running the process.
func currentOperator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
