package coordinator

import "strings"

// Aggregate concatenates listings in call order, each entry terminated by
// a newline. The coordinator passes its local .c entries first, then the
// pdf and text store listings. Entries are neither sorted nor de-duplicated.
func Aggregate(local []string, remote ...[]string) string {
	var b strings.Builder
	write := func(entries []string) {
		for _, e := range entries {
			if e == "" {
				continue
			}
			b.WriteString(e)
			b.WriteByte('\n')
		}
	}
	write(local)
	for _, r := range remote {
		write(r)
	}
	return b.String()
}
