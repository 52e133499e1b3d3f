package user

import (
	"database/sql/driver"
	"strings"

	"github.com/pkg/errors"
)

// Roles is stored as a comma separated list so it fits a plain TEXT column on every engine.
type Roles []string

func (r Roles) Value() (driver.Value, error) {
	return strings.Join(r, ","), nil
}

func (r *Roles) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case nil:
		*r = Roles{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return errors.Errorf("cannot scan %T into user.Roles", src)
	}
	if s == "" {
		*r = Roles{}
		return nil
	}
	*r = strings.Split(s, ",")
	return nil
}
