package etcd

import (
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the root under which all dispatcher keys live.
const DefaultPrefix = "/dispatch"

func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return cli, nil
}

// keyspace builds keys under a common prefix. Segments are joined verbatim,
// so callers escape anything that may contain a slash.
type keyspace string

func newKeyspace(prefix string) keyspace {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	return keyspace(path.Clean("/" + prefix))
}

func (k keyspace) key(parts ...string) string {
	return path.Join(append([]string{string(k)}, parts...)...)
}

// dir returns the key for parts with a trailing slash, for prefix scans.
func (k keyspace) dir(parts ...string) string {
	return k.key(parts...) + "/"
}
