package build

import "strings"

var (
	Version = "dev"
	AppName = "dtrain"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
