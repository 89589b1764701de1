//go:build unix

package files

import (
	"io/fs"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// nameCache memoizes uid and gid lookups for the duration of one listing.
type nameCache struct {
	users  map[uint32]string
	groups map[uint32]string
}

func newNameCache() *nameCache {
	return &nameCache{users: map[uint32]string{}, groups: map[uint32]string{}}
}

// ownership returns the owner and group names of info, falling back to the
// numeric ids when the names cannot be resolved.
func (c *nameCache) ownership(info fs.FileInfo) (string, string) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", ""
	}
	uid, gid := st.Uid, st.Gid

	owner, ok := c.users[uid]
	if !ok {
		owner = strconv.FormatUint(uint64(uid), 10)
		if u, err := user.LookupId(owner); err == nil {
			owner = u.Username
		}
		c.users[uid] = owner
	}
	group, ok := c.groups[gid]
	if !ok {
		group = strconv.FormatUint(uint64(gid), 10)
		if g, err := user.LookupGroupId(group); err == nil {
			group = g.Name
		}
		c.groups[gid] = group
	}
	return owner, group
}

func readable(path string) bool {
	return unix.Access(path, unix.R_OK) == nil
}
