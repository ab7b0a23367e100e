package dbusapi

import (
	"errors"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/vpodzime/lvm-dubstep/pkg/props"
	"github.com/vpodzime/lvm-dubstep/pkg/registry"
)

// methodError converts a failure of a method on iface into the error sent
// to the caller. The error is named after the interface; lvm command
// failures already carry the exit code and stderr in their message.
func methodError(iface string, err error) *dbus.Error {
	if err == nil {
		return nil
	}
	var dbusErr *dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr
	}
	return dbus.NewError(iface, []any{err.Error()})
}

// propertyError converts a failure of the standard Properties interface.
func propertyError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	name := dbus.ErrMsgInvalidArg.Name
	switch {
	case errors.Is(err, props.ErrUnknownProperty):
		name = prop.ErrPropNotFound.Name
	case errors.Is(err, props.ErrReadOnly):
		name = prop.ErrReadOnly.Name
	case errors.Is(err, props.ErrInvalidValue):
		name = prop.ErrInvalidArg.Name
	case registry.IsNotFound(err):
		name = prop.ErrIfaceNotFound.Name
	}
	return dbus.NewError(name, []any{err.Error()})
}
