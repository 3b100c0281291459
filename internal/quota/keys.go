package quota

import "strings"

// DeriveKey maps an identity to its tracking key. A signed-in user is keyed
// by durable id alone so the same account is tracked consistently across
// network paths; anonymous traffic is keyed per origin address.
func DeriveKey(userID, originAddr string) string {
	if id := strings.TrimSpace(userID); id != "" {
		return "user:" + id
	}
	return "ip:" + strings.TrimSpace(originAddr)
}
