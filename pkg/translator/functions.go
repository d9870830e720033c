package translator

import "strings"

// rewriteFunctions maps SQLite built-ins to their server equivalents.
func rewriteFunctions(s string) (string, error) {
	return rewriteCalls(s, functionCalls)
}

var functionCalls = callTable{
	"IFNULL": func(args []string) (string, bool) {
		if len(args) != 2 {
			return "", false
		}
		return "COALESCE(" + args[0] + ", " + args[1] + ")", true
	},
	"SUBSTR": func(args []string) (string, bool) {
		if len(args) < 2 || len(args) > 3 {
			return "", false
		}
		return "SUBSTRING(" + strings.Join(args, ", ") + ")", true
	},
	"INSTR": func(args []string) (string, bool) {
		if len(args) != 2 {
			return "", false
		}
		return "POSITION(" + args[1] + " IN " + args[0] + ")", true
	},
	"LIKELIHOOD": func(args []string) (string, bool) {
		if len(args) != 2 {
			return "", false
		}
		return args[0], true
	},
	"LIKELY":   unwrapSingle,
	"UNLIKELY": unwrapSingle,
	"TYPEOF": func(args []string) (string, bool) {
		if len(args) != 1 {
			return "", false
		}
		return "pg_typeof(" + args[0] + ")::text", true
	},
	"STRFTIME": func(args []string) (string, bool) {
		if len(args) != 2 || !strings.EqualFold(args[0], "'%s'") {
			return "", false
		}
		if strings.EqualFold(args[1], "'now'") {
			return "EXTRACT(EPOCH FROM NOW())::bigint", true
		}
		return "EXTRACT(EPOCH FROM " + args[1] + ")::bigint", true
	},
	"UNIXEPOCH": func(args []string) (string, bool) {
		switch {
		case len(args) == 0 || (len(args) == 1 && strings.EqualFold(args[0], "'now'")):
			return "EXTRACT(EPOCH FROM NOW())::bigint", true
		case len(args) == 1:
			return "EXTRACT(EPOCH FROM " + args[0] + ")::bigint", true
		}
		return "", false
	},
	"DATETIME": func(args []string) (string, bool) {
		if len(args) >= 1 && strings.EqualFold(args[0], "'now'") {
			return "NOW()", true
		}
		return "", false
	},
	"DATE": func(args []string) (string, bool) {
		if len(args) >= 1 && strings.EqualFold(args[0], "'now'") {
			return "CURRENT_DATE", true
		}
		return "", false
	},
	"LAST_INSERT_ROWID": func(args []string) (string, bool) {
		if len(args) != 0 {
			return "", false
		}
		return "lastval()", true
	},
	"JSON_EACH": func(args []string) (string, bool) {
		if len(args) != 1 {
			return "", false
		}
		return "json_array_elements((" + args[0] + ")::json)", true
	},
	"MAX": func(args []string) (string, bool) {
		if len(args) < 2 {
			return "", false // single argument is the aggregate
		}
		return "GREATEST(" + strings.Join(args, ", ") + ")", true
	},
	"MIN": func(args []string) (string, bool) {
		if len(args) < 2 {
			return "", false
		}
		return "LEAST(" + strings.Join(args, ", ") + ")", true
	},
	"GROUP_CONCAT": func(args []string) (string, bool) {
		switch len(args) {
		case 1:
			return "STRING_AGG(" + args[0] + ", ',')", true
		case 2:
			return "STRING_AGG(" + args[0] + ", " + args[1] + ")", true
		}
		return "", false
	},
}

func unwrapSingle(args []string) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	return args[0], true
}
