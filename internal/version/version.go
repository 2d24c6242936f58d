package version

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

const serviceName = "pps"

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/pps/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
// Для сборки без ldflags коммит берётся из debug.BuildInfo, если он там есть.
func Info() (v, c, d string) {
	v, c, d = version, commit, date
	if c != "unknown" {
		return v, c, d
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				c = setting.Value
			case "vcs.time":
				if d == "unknown" {
					d = setting.Value
				}
			}
		}
	}
	return v, c, d
}

func String() string {
	v, c, d := Info()
	return fmt.Sprintf("version=%s commit=%s date=%s", v, c, d)
}

// UserAgent — значение заголовка User-Agent для исходящих запросов.
func UserAgent() string {
	v, _, _ := Info()
	return serviceName + "/" + v
}

// Fields — поля для стартового лога.
func Fields() log.Fields {
	v, c, d := Info()
	return log.Fields{
		"version": v,
		"commit":  c,
		"date":    d,
	}
}
