package render

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/version"
)

// conf accumulates an Apache configuration file. Blocks indent their body by
// four spaces.
type conf struct {
	buf   bytes.Buffer
	depth int
}

func newConf() *conf {
	c := &conf{}
	c.comment(version.Generated())
	return c
}

func (c *conf) line(format string, args ...interface{}) {
	for i := 0; i < c.depth; i++ {
		c.buf.WriteString("    ")
	}
	if len(args) == 0 {
		c.buf.WriteString(format)
	} else {
		fmt.Fprintf(&c.buf, format, args...)
	}
	c.buf.WriteByte('\n')
}

func (c *conf) lines(ls []string) {
	for _, l := range ls {
		c.line("%s", l)
	}
}

func (c *conf) comment(format string, args ...interface{}) {
	c.line("# "+format, args...)
}

func (c *conf) blank() {
	c.buf.WriteByte('\n')
}

func (c *conf) open(tag, arg string) {
	c.line("<%s %s>", tag, arg)
	c.depth++
}

func (c *conf) close(tag string) {
	c.depth--
	c.line("</%s>", tag)
}

func (c *conf) bytes() []byte {
	return c.buf.Bytes()
}

// quote wraps a path or string argument in double quotes.
func quote(s string) string {
	return strconv.Quote(s)
}

// regexQuote escapes a literal hostname for use in a regular expression.
func regexQuote(s string) string {
	return strings.NewReplacer(".", `\.`, "-", `\-`).Replace(s)
}
