package async

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/internal/util"
)

// AbbreviateError describes err's cause chain in at most max runes: one part
// per layer that adds its own message, prefixed with the layer's type unless
// it is a plain wrapper from the errors package, joined with "; ".
//
//	errors.Wrap(&fs.PathError{...}, "open archive")
//	=> "open archive; *fs.PathError: open /x; syscall.Errno: no such file or directory"
func AbbreviateError(err error, max int) string {
	if err == nil {
		return ""
	}

	var parts []string
	for layer := err; layer != nil; layer = errors.UnwrapOnce(layer) {
		msg := layer.Error()
		if cause := errors.UnwrapOnce(layer); cause != nil {
			msg = strings.TrimSuffix(msg, cause.Error())
			msg = strings.TrimSuffix(strings.TrimSpace(msg), ":")
		}
		msg = strings.TrimSpace(msg)
		if msg == "" {
			continue
		}
		if isPlainWrapper(layer) {
			parts = append(parts, msg)
		} else {
			parts = append(parts, fmt.Sprintf("%T: %s", layer, msg))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%T", err))
	}
	return util.Truncate(strings.Join(parts, "; "), max)
}

// isPlainWrapper reports whether err's type comes from cockroachdb/errors,
// whose type names say nothing useful to an operator.
func isPlainWrapper(err error) bool {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return strings.HasPrefix(t.PkgPath(), "github.com/cockroachdb/errors")
}
