package config

import "os"

func userCacheHome() (string, error) {
	return os.UserCacheDir()
}
