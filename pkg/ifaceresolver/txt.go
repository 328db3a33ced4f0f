package ifaceresolver

import "log/slog"

const maxTXTEntryLen = 255

// encodeProperties converts a service's property map into the ordered set
// of TXT character-strings DNS-SD expects: "key" for boolean true,
// "key=" for boolean false, "key=value" otherwise. Entries whose encoded
// form would exceed 255 bytes are dropped with a logged warning rather
// than failing the whole record, per the ServiceConfig invariant.
func encodeProperties(props map[string]string, log *slog.Logger) []string {
	out := make([]string, 0, len(props))
	for k, v := range props {
		entry := encodeEntry(k, v)
		if len(entry) > maxTXTEntryLen {
			if log != nil {
				log.Warn("dropping oversize TXT property", slog.String("key", k))
			}
			continue
		}
		out = append(out, entry)
	}
	return out
}

func encodeEntry(key, value string) string {
	switch value {
	case "true":
		return key
	case "false":
		return key + "="
	default:
		return key + "=" + value
	}
}

// decodeProperties inverts encodeProperties: "key" decodes to
// ("key", "true"), "key=" to ("key", "false"), "key=value" to
// ("key", "value").
func decodeProperties(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		k, v := decodeEntry(entry)
		out[k] = v
	}
	return out
}

func decodeEntry(entry string) (key, value string) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			if entry[i+1:] == "" {
				return entry[:i], "false"
			}
			return entry[:i], entry[i+1:]
		}
	}
	return entry, "true"
}
