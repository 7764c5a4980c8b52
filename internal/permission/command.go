package permission

import "strings"

// Command is one simple command extracted from a shell command line, enough
// structure to build and match grant patterns against. The daemon never
// executes these commands (the agent process does); it only classifies them,
// so a word-splitting pass over the connectives is sufficient and a full
// shell grammar is not.
type Command struct {
	Name       string
	Subcommand string
	Args       []string
}

// connectives that separate simple commands within one command line.
var connectives = []string{"&&", "||", ";", "|", "\n"}

// SplitCommands breaks a shell command line into its simple commands.
// Quoted segments are kept intact; environment-variable prefixes
// (FOO=bar cmd) are skipped.
func SplitCommands(commandLine string) []Command {
	var out []Command
	for _, segment := range splitOnConnectives(commandLine) {
		words := splitWords(segment)
		// drop leading VAR=value assignments
		for len(words) > 0 && isAssignment(words[0]) {
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		cmd := Command{Name: words[0], Args: words[1:]}
		for _, arg := range cmd.Args {
			if !strings.HasPrefix(arg, "-") {
				cmd.Subcommand = arg
				break
			}
		}
		out = append(out, cmd)
	}
	return out
}

func splitOnConnectives(s string) []string {
	segments := []string{s}
	for _, conn := range connectives {
		var next []string
		for _, seg := range segments {
			next = append(next, splitOutsideQuotes(seg, conn)...)
		}
		segments = next
	}
	return segments
}

// splitOutsideQuotes splits s on sep, ignoring separators inside single or
// double quotes.
func splitOutsideQuotes(s, sep string) []string {
	var out []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case strings.HasPrefix(s[i:], sep):
			out = append(out, s[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func splitWords(s string) []string {
	var words []string
	var cur strings.Builder
	var quote byte
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return words
}

func isAssignment(word string) bool {
	i := strings.IndexByte(word, '=')
	if i <= 0 {
		return false
	}
	for _, c := range word[:i] {
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// Pattern builds the grant pattern an "always" reply on cmd covers:
// "git commit *" for a subcommand-style invocation, "ls *" otherwise.
func (c Command) Pattern() string {
	if c.Subcommand != "" {
		return c.Name + " " + c.Subcommand + " *"
	}
	return c.Name + " *"
}

// MatchesPattern reports whether c falls under a previously granted
// pattern: "*" covers everything, "git *" covers any git invocation,
// "git commit *" covers git commit with any arguments.
func (c Command) MatchesPattern(pattern string) bool {
	parts := strings.Fields(pattern)
	switch len(parts) {
	case 0:
		return false
	case 1:
		return parts[0] == "*" || (parts[0] == c.Name && len(c.Args) == 0)
	}
	if parts[0] != c.Name {
		return false
	}
	if parts[len(parts)-1] != "*" {
		return false
	}
	middle := parts[1 : len(parts)-1]
	if len(middle) == 0 {
		return true
	}
	return len(middle) == 1 && middle[0] == c.Subcommand
}
