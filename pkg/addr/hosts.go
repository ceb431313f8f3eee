package addr

import "strings"

// Hosts is the immutable table of names this server answers to.  It is built
// from configuration once at startup and consulted by every classification.
type Hosts struct {
	// Hostname is the primary mail hostname of the served virtual domain.
	Hostname string
	// Aliases are additional hostnames accepted as local.
	Aliases []string
	// DomainSuffixes are local-domain suffixes stripped during matching.
	DomainSuffixes []string
	// DNDHosts are the directory-service pseudo hostnames.
	DNDHosts []string
}

// Names returns the hostname plus aliases, hostname first.
func (h Hosts) Names() []string {
	return append([]string{h.Hostname}, h.Aliases...)
}

// Localize decides whether address names this server's served domain,
// rewriting it as a side effect.  A local user@host comes back as just the
// user; a source route whose first hop is ours is stripped and reclassified.
// Remote addresses come back with their brackets restored.
func (h Hosts) Localize(address string) (string, bool) {
	if !LooksInternet(address) {
		return address, true
	}
	inner := address
	if c, ok := bracketContents(address); ok {
		inner = strings.TrimSpace(c)
	}
	if !strings.HasPrefix(inner, "@") {
		user, host, ok := SplitUserHost(inner)
		if !ok {
			// Percent or bang routing with no at sign: not ours.
			return address, false
		}
		if MatchHost(host, h.Names(), h.DomainSuffixes) >= 0 {
			return user, true
		}
		return inner, false
	}
	// Source route: @host1[,@host2...]:rest
	hop, rest, ok := splitFirstHop(inner)
	if !ok {
		return address, false
	}
	if MatchHost(hop, h.Names(), h.DomainSuffixes) < 0 {
		return "<" + inner + ">", false
	}
	return h.Localize("<" + rest + ">")
}

// InLocalDomain is the looser predicate used for anti-abuse filtering: true
// when the address is local, already within a local domain suffix, or names
// the directory service.  It never rewrites its input.
func (h Hosts) InLocalDomain(address string) bool {
	if _, local := h.Localize(address); local {
		return true
	}
	inner := address
	if c, ok := bracketContents(address); ok {
		inner = strings.TrimSpace(c)
	}
	host := ""
	if strings.HasPrefix(inner, "@") {
		if hop, _, ok := splitFirstHop(inner); ok {
			host = hop
		}
	} else if _, hst, ok := SplitUserHost(inner); ok {
		host = hst
	}
	if host == "" {
		return false
	}
	if StripDomainSuffix(host, h.DomainSuffixes) != host {
		return true
	}
	if MatchHost(host, h.DNDHosts, h.DomainSuffixes) >= 0 {
		return true
	}
	for _, suf := range h.DomainSuffixes {
		if strings.EqualFold(host, strings.TrimPrefix(suf, ".")) {
			return true
		}
	}
	return false
}

// splitFirstHop parses the leading hop of a source route, returning the hop
// hostname and the remainder of the route ("@host2,...:rest" or "rest").
func splitFirstHop(route string) (hop, rest string, ok bool) {
	sc := NewScanner(route)
	for i := 0; ; i++ {
		c, b := sc.Next()
		if !b {
			return "", "", false
		}
		if sc.Escaped || sc.Syntax || !sc.Top() {
			continue
		}
		switch c {
		case ',', ':':
			if i < 2 {
				return "", "", false
			}
			return route[1:i], route[i+1:], true
		}
	}
}
