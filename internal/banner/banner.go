package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
======================================================================
  ____            _   _             ____      _
 / ___|__ _ _ __ | |_(_) ___  _ __ |  _ \ ___| | __ _ _   _
| |   / _` + "`" + ` | '_ \| __| |/ _ \| '_ \| |_) / _ \ |/ _` + "`" + ` | | | |
| |__| (_| | |_) | |_| | (_) | | | |  _ <  __/ | (_| | |_| |
 \____\__,_| .__/ \__|_|\___/|_| |_|_| \_\___|_|\__,_|\__, |
           |_|                                        |___/
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine is one "label : value" row.
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the startup banner with the action name and its settings.
func Print(w io.Writer, title string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintln(w, title)

	width := 0
	for _, c := range config {
		width = max(width, len(c.Label))
	}
	for _, c := range config {
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, strings.Repeat(" ", width-len(c.Label)), c.Value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
