package config

import (
	"fmt"
	"os"
	"strings"
)

// secretsDir - каталог Docker secrets.
var secretsDir = "/run/secrets"

// ReadSecret читает секрет из Docker secrets, а при его отсутствии из переменной окружения
// с именем секрета в верхнем регистре (для локального запуска).
func ReadSecret(name string) (string, error) {
	filePath := fmt.Sprintf("%s/%s", secretsDir, name)
	if data, err := os.ReadFile(filePath); err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", filePath)
		}
		return secret, nil
	}

	envName := strings.ToUpper(name)
	if secret := strings.TrimSpace(os.Getenv(envName)); secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("secret %s not found in %s or env %s", name, filePath, envName)
}
