package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoveryFor(t *testing.T) {
	linkErr := func(e error) error { return &os.LinkError{Op: "rename", Old: "a", New: "b", Err: e} }

	tests := []struct {
		name string
		err  error
		want Recovery
	}{
		{"nil", nil, RecoverFail},
		{"exists", linkErr(syscall.EEXIST), RecoverUnlink},
		{"not empty", linkErr(syscall.ENOTEMPTY), RecoverUnlink},
		{"fs exists", fs.ErrExist, RecoverUnlink},
		{"access denied", linkErr(syscall.EACCES), RecoverUnlink},
		{"not permitted", linkErr(syscall.EPERM), RecoverUnlink},
		{"busy", linkErr(syscall.EBUSY), RecoverUnlink},
		{"wrapped busy", fmt.Errorf("outer: %w", linkErr(syscall.EBUSY)), RecoverUnlink},
		{"interrupted", linkErr(syscall.EINTR), RecoverRetry},
		{"try again", linkErr(syscall.EAGAIN), RecoverRetry},
		{"missing source", linkErr(syscall.ENOENT), RecoverFail},
		{"cross device", linkErr(syscall.EXDEV), RecoverFail},
		{"random", errors.New("something"), RecoverFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RecoveryFor(tt.err))
		})
	}
}

func TestRecovery_String(t *testing.T) {
	assert.Equal(t, "fail", RecoverFail.String())
	assert.Equal(t, "retry", RecoverRetry.String())
	assert.Equal(t, "unlink-retry", RecoverUnlink.String())
}

func TestClassify(t *testing.T) {
	_, class := classify(&os.LinkError{Err: syscall.EBUSY})
	assert.Equal(t, "busy", class)
	_, class = classify(errors.New("x"))
	assert.Equal(t, "other", class)
}
