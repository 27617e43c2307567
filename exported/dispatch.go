package exported

import (
	"context"
	"reflect"

	"github.com/godbus/dbus/v5"

	"github.com/gicmo/bolt-sub000/boltderr"
)

// AuthorizeHandler is consulted during the authorization phase of
// dispatch (spec.md §4.10 step 2). It returns handled=false to let the
// next registered handler decide; the first handler that returns
// handled=true supplies the final outcome ("first-wins accumulator").
// Handlers run on a worker goroutine and may block, e.g. on an
// external polkit-style backend.
type AuthorizeHandler func(ctx context.Context, e *Exported, member string, isProperty bool, wireValue interface{}) (handled, allowed bool, err error)

// authorize runs the class's registered authorizers in order. No
// registered handler defaults to allow, matching a class that opts out
// of authorization entirely.
func (e *Exported) authorize(member string, isProperty bool, wireValue interface{}) (bool, error) {
	if len(e.class.authorizers) == 0 {
		return true, nil
	}

	type outcome struct {
		allowed bool
		err     error
	}
	ch := make(chan outcome, 1)

	// Authorization runs on a worker goroutine so the bus dispatcher
	// (standing in for the main loop) never blocks on external policy
	// I/O (spec.md §4.10 step 2, §5 scheduling model).
	go func() {
		for _, h := range e.class.authorizers {
			handled, allowed, err := h(context.Background(), e, member, isProperty, wireValue)
			if handled {
				ch <- outcome{allowed, err}
				return
			}
		}
		ch <- outcome{true, nil}
	}()

	r := <-ch
	return r.allowed, r.err
}

// bindMethod builds the reflect.MakeFunc adapter ExportMethodTable
// needs to dispatch a call for spec: decode args, authorize, invoke
// the handler, encode results.
func (e *Exported) bindMethod(spec *MethodSpec) interface{} {
	errType := reflect.TypeOf((*dbus.Error)(nil))
	outTypes := append(append([]reflect.Type{}, spec.Out...), errType)
	fnType := reflect.FuncOf(spec.In, outTypes, false)

	fn := reflect.MakeFunc(fnType, func(in []reflect.Value) []reflect.Value {
		args := make([]interface{}, len(in))
		for i, v := range in {
			args[i] = v.Interface()
		}

		results := make([]reflect.Value, len(outTypes))
		for i, t := range spec.Out {
			results[i] = reflect.Zero(t)
		}

		allowed, err := e.authorize(spec.Name, false, args)
		if err == nil && !allowed {
			err = boltderr.New(boltderr.KindAccessDenied, "not authorized for method %s", spec.Name)
		}
		if err == nil {
			out, herr := spec.Handler(e.native, args)
			if herr != nil {
				err = herr
			} else {
				for i := range spec.Out {
					if i < len(out) && out[i] != nil {
						results[i] = reflect.ValueOf(out[i])
					}
				}
			}
		}

		if err != nil {
			results[len(outTypes)-1] = reflect.ValueOf(toDBusError(err))
		} else {
			results[len(outTypes)-1] = reflect.Zero(errType)
		}
		return results
	})

	return fn.Interface()
}

func toDBusError(err error) *dbus.Error {
	kind := boltderr.KindOf(err)
	return dbus.NewError(boltderr.BusName("org.freedesktop.bolt", err), []interface{}{err.Error(), string(kind)})
}

// dbusGet implements org.freedesktop.DBus.Properties.Get. Per the
// dispatch prelude (spec.md §4.10 step 1), an unknown property is
// rejected before authorization ever runs.
func (e *Exported) dbusGet(iface, prop string) (dbus.Variant, *dbus.Error) {
	spec, ok := e.class.properties[prop]
	if !ok {
		return dbus.Variant{}, toDBusError(methodNotFoundError(iface, prop))
	}

	allowed, err := e.authorize(prop, true, nil)
	if err == nil && !allowed {
		err = boltderr.New(boltderr.KindAccessDenied, "not authorized to read %s", prop)
	}
	if err != nil {
		return dbus.Variant{}, toDBusError(err)
	}

	val, err := spec.Get(e.native)
	if err != nil {
		return dbus.Variant{}, toDBusError(err)
	}
	wire, err := spec.toWire(val)
	if err != nil {
		return dbus.Variant{}, toDBusError(err)
	}
	return dbus.MakeVariant(wire), nil
}

// dbusSet implements org.freedesktop.DBus.Properties.Set. A property
// with no registered setter is rejected with invalid_args before
// authorization runs (spec.md §4.10 step 1).
func (e *Exported) dbusSet(iface, prop string, value dbus.Variant) *dbus.Error {
	spec, ok := e.class.properties[prop]
	if !ok || spec.readOnly() {
		return toDBusError(boltderr.New(boltderr.KindInvalidArgs, "property %s has no setter", prop))
	}

	native, err := spec.fromWire(value.Value())
	if err != nil {
		return toDBusError(err)
	}

	allowed, err := e.authorize(prop, true, native)
	if err == nil && !allowed {
		err = boltderr.New(boltderr.KindAccessDenied, "not authorized to write %s", prop)
	}
	if err != nil {
		return toDBusError(err)
	}

	if err := spec.Set(e.native, native); err != nil {
		return toDBusError(err)
	}

	e.Notify(prop)
	return nil
}

// dbusGetAll implements org.freedesktop.DBus.Properties.GetAll. Unlike
// Get, a per-property authorization failure is skipped rather than
// failing the whole call, since GetAll is a best-effort bulk read.
func (e *Exported) dbusGetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	out := make(map[string]dbus.Variant, len(e.class.properties))
	for name, spec := range e.class.properties {
		allowed, err := e.authorize(name, true, nil)
		if err != nil || !allowed {
			continue
		}
		val, err := spec.Get(e.native)
		if err != nil {
			continue
		}
		wire, err := spec.toWire(val)
		if err != nil {
			continue
		}
		out[name] = dbus.MakeVariant(wire)
	}
	return out, nil
}
