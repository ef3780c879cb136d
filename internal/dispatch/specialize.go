package dispatch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
)

var paramRef = regexp.MustCompile(`\$(\d+)`)

// Specialize fills a command template. [tool] becomes the tool's path, and so
// does a leading bare token naming a tool. $N then becomes params[N-1],
// shell-quoted unless it is made of safe characters only, and is left alone
// when there is no such param.
func Specialize(template string, params []string, tools map[string]string) string {
	cmd := template
	for name, path := range tools {
		cmd = strings.ReplaceAll(cmd, "["+name+"]", path)
	}

	trimmed := strings.TrimLeft(cmd, " \t")
	first, rest, _ := strings.Cut(trimmed, " ")
	if path, ok := tools[first]; ok && path != "" {
		cmd = path
		if rest != "" {
			cmd += " " + rest
		}
	}

	return paramRef.ReplaceAllStringFunc(cmd, func(ref string) string {
		n, err := strconv.Atoi(ref[1:])
		if err != nil || n < 1 || n > len(params) {
			return ref
		}
		return shellescape.Quote(params[n-1])
	})
}
