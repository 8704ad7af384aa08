// Package version хранит сведения о сборке, проставляемые через -ldflags.
package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

// Version возвращает только версию.
func Version() string { return version }

// String — строка для логов при старте.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}

// UserAgent — значение User-Agent для запросов к складу и платёжному сервису.
func UserAgent(service string) string {
	return fmt.Sprintf("%s/%s", service, version)
}
