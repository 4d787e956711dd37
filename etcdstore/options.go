package etcdstore

import (
	"fmt"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/luno/agentrink"
)

var ErrInvalidOptions = errors.New("invalid store options", j.C("ERR_4f2a9c1e7d0b3865"))

type Options struct {
	// MemberName is the id of this client in the namespace, every client
	// must have a unique name. If not provided, we will use a random
	// identifier for the lifetime of this store.
	MemberName string

	// Log will log out messages and errors on store activity
	Log agentrink.Logger

	// ExpiryCheckInterval sets how often member keys are checked for
	// leases that have expired without the key being removed. Such keys
	// are deleted so their members leave. Zero disables the check.
	ExpiryCheckInterval time.Duration

	keyPrefix       string
	taskKeyPrefix   string
	memberKey       string
	memberKeyPrefix string
}

func validateOptions(namespace string, o *Options) error {
	if namespace == "" {
		return errors.Wrap(ErrInvalidOptions, "empty namespace")
	}
	if o.MemberName == "" {
		o.MemberName = fmt.Sprintf("%x", rand.Int63())
	}
	if strings.Contains(o.MemberName, "/") {
		return errors.Wrap(ErrInvalidOptions, "member name contains a slash",
			j.KV("member", o.MemberName))
	}
	if o.Log == nil {
		o.Log = log.Jettison{}
	}
	o.keyPrefix = path.Join(namespace) + "/"
	o.taskKeyPrefix = path.Join(namespace, "tasks") + "/"
	o.memberKey = path.Join(namespace, "members", o.MemberName)
	o.memberKeyPrefix = path.Join(namespace, "members") + "/"
	return nil
}
