package policy

import (
	"path"
	"strings"
)

// fileTouching maps command basenames in the known file-touching set
// to the file operations their path arguments imply. A shell command
// whose basename appears here has each non-flag argument evaluated
// against the file rule list under every implied operation.
var fileTouching = map[string][]FileOp{
	"cat":      {FileRead},
	"head":     {FileRead},
	"tail":     {FileRead},
	"less":     {FileRead},
	"more":     {FileRead},
	"base64":   {FileRead},
	"open":     {FileRead},
	"xdg-open": {FileRead},

	"cp":     {FileRead, FileWrite},
	"mv":     {FileRead, FileWrite},
	"scp":    {FileRead, FileWrite},
	"rsync":  {FileRead, FileWrite},
	"tar":    {FileRead, FileWrite},
	"zip":    {FileRead, FileWrite},
	"unzip":  {FileRead, FileWrite},
	"gzip":   {FileRead, FileWrite},
	"gunzip": {FileRead, FileWrite},
	"vi":     {FileRead, FileWrite},
	"vim":    {FileRead, FileWrite},
	"nano":   {FileRead, FileWrite},
	"code":   {FileRead, FileWrite},

	"chmod": {FileWrite},
	"chown": {FileWrite},

	"rm": {FileDelete},
}

// Tokenize splits a command line into argv, honoring single quotes,
// double quotes, and backslash escapes. Unterminated quotes close at
// end of line rather than failing: the policy check must still see
// the arguments an eventual shell would.
func Tokenize(command string) []string {
	var argv []string
	var cur strings.Builder
	var inSingle, inDouble, escaped, started bool

	flush := func() {
		if started {
			argv = append(argv, cur.String())
			cur.Reset()
			started = false
		}
	}

	for _, r := range command {
		switch {
		case escaped:
			cur.WriteRune(r)
			started = true
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
			started = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			started = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			started = true
		case (r == ' ' || r == '\t') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	flush()
	return argv
}

// CommandBasename returns the basename of argv[0], or "" for an empty
// command.
func CommandBasename(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return path.Base(argv[0])
}

// impliedFileOps returns the file operations a command's path
// arguments imply, and whether the command is in the file-touching
// set at all.
func impliedFileOps(basename string) ([]FileOp, bool) {
	ops, ok := fileTouching[basename]
	return ops, ok
}

// extractPathArgs returns the non-flag arguments of a tokenized
// command. Flags (leading "-") and flag values joined with "=" are
// skipped; everything else is a path candidate.
func extractPathArgs(argv []string) []string {
	if len(argv) < 2 {
		return nil
	}
	var paths []string
	for _, arg := range argv[1:] {
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		// remote specs like host:/path still carry a path worth
		// checking; strip the host part.
		if i := strings.Index(arg, ":"); i > 0 && strings.Contains(arg[i+1:], "/") && !strings.Contains(arg[:i], "/") {
			arg = arg[i+1:]
		}
		paths = append(paths, arg)
	}
	return paths
}
