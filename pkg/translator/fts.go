package translator

// neutralizeFTS replaces full-text MATCH predicates with a constant false.
// Virtual-table search has no server-side counterpart, and the neutralized
// predicate keeps the host's quoting intact no matter what the query text
// contains.
func neutralizeFTS(s string) (string, error) {
	for {
		i := findWordAny(s, 0, "MATCH")
		if i < 0 {
			return s, nil
		}
		left := matchLeftOperand(s, i)
		right := matchRightOperand(s, i+len("MATCH"))
		s = s[:left] + "1=0" + s[right:]
	}
}

// matchLeftOperand returns the start of the column reference preceding MATCH.
func matchLeftOperand(s string, i int) int {
	j := i
	for j > 0 && (s[j-1] == ' ' || s[j-1] == '\t' || s[j-1] == '\n') {
		j--
	}
	for j > 0 {
		switch {
		case s[j-1] == '"':
			k := j - 2
			for k > 0 && s[k] != '"' {
				k--
			}
			j = k
		case isIdentChar(s[j-1]) || s[j-1] == '.':
			j--
		default:
			return j
		}
	}
	return j
}

// matchRightOperand returns the end of the operand following MATCH: a string
// literal, a placeholder, a parenthesized expression or a reference.
func matchRightOperand(s string, i int) int {
	i = skipSpaces(s, i)
	if i >= len(s) {
		return i
	}
	switch {
	case s[i] == '\'':
		return skipLiteral(s, i)
	case s[i] == '(':
		_, end, ok := parseArgs(s, i)
		if ok {
			return end
		}
		return i
	case s[i] == '$' || s[i] == ':' || s[i] == '@' || s[i] == '?':
		_, j := wordAt(s, i+1)
		return j
	case s[i] == '"' || isIdentStart(s[i]):
		_, j := readRef(s, i)
		return j
	}
	return i
}
