package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the deployment mode
const EnvVar = "FEDLOGIN_ENV"

// IsDev reports whether FEDLOGIN_ENV asks for development mode, where
// cookies may travel over plain HTTP
func IsDev() bool {
	env := strings.ToLower(os.Getenv(EnvVar))
	return env == "development" || env == "dev"
}
