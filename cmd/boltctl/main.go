// boltctl is the external CLI client for boltd, a collaborator
// documented in spec.md §6 rather than part of the daemon process
// itself. It only ever talks to the daemon's dbus API; it owns no
// state of its own. Flag/subcommand wiring mirrors the teacher's
// cli_main.go (urfave/cli global app, cli.Command table, exit code 0
// on success / non-zero on error).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/gicmo/bolt-sub000/boltderr"
)

// defaultStateDir is where boltd keeps guard FIFOs; it is the same
// default bconfig.Default() uses for Store.StateDir.
const defaultStateDir = "/run/boltd"

const (
	busName     = "org.freedesktop.bolt"
	managerPath = dbus.ObjectPath("/org/freedesktop/bolt")
	managerIfc  = "org.freedesktop.bolt1.Manager"
	deviceIfc   = "org.freedesktop.bolt1.Device"
	propsIfc    = "org.freedesktop.DBus.Properties"
)

func main() {
	app := cli.NewApp()
	app.Name = "boltctl"
	app.Usage = "inspect and authorize Thunderbolt/USB4 peripherals"
	app.Version = "1.0"
	app.Commands = []cli.Command{
		listCommand,
		infoCommand,
		enrollCommand,
		forgetCommand,
		authorizeCommand,
		domainsCommand,
		configCommand,
		monitorCommand,
		powerCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", stripNamespace(err))
		os.Exit(1)
	}
}

// stripNamespace removes the service's error namespace prefix from a
// dbus error name before display (spec.md §7 "the client strips the
// namespace before displaying").
func stripNamespace(err error) error {
	if derr, ok := err.(dbus.Error); ok {
		return fmt.Errorf("%s: %v", strings.TrimPrefix(derr.Name, busName+"."), derr.Body)
	}
	return err
}

func systemBus() (*dbus.Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "connect to system bus")
	}
	return conn, nil
}

func managerObject(conn *dbus.Conn) dbus.BusObject {
	return conn.Object(busName, managerPath)
}

func deviceObject(conn *dbus.Conn, path dbus.ObjectPath) dbus.BusObject {
	return conn.Object(busName, path)
}

func getProp(obj dbus.BusObject, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := obj.Call(propsIfc+".Get", 0, iface, name).Store(&v)
	return v, err
}

var listCommand = cli.Command{
	Name:  "list",
	Usage: "list known devices",
	Action: func(c *cli.Context) error {
		conn, err := systemBus()
		if err != nil {
			return err
		}
		defer conn.Close()

		var paths []dbus.ObjectPath
		if err := managerObject(conn).Call(managerIfc+".ListDevices", 0).Store(&paths); err != nil {
			return err
		}
		for _, p := range paths {
			printDeviceSummary(conn, p)
		}
		return nil
	},
}

func printDeviceSummary(conn *dbus.Conn, path dbus.ObjectPath) {
	obj := deviceObject(conn, path)
	uid, _ := getProp(obj, deviceIfc, "Uid")
	name, _ := getProp(obj, deviceIfc, "Name")
	status, _ := getProp(obj, deviceIfc, "Status")
	fmt.Printf("%v  %v  [%v]\n", uid.Value(), name.Value(), status.Value())
}

var infoCommand = cli.Command{
	Name:      "info",
	Usage:     "show full properties for a device",
	ArgsUsage: "<uid>",
	Action: func(c *cli.Context) error {
		uid := c.Args().First()
		if uid == "" {
			return boltderr.New(boltderr.KindFailed, "info requires a uid")
		}

		conn, err := systemBus()
		if err != nil {
			return err
		}
		defer conn.Close()

		path, err := deviceByUid(conn, uid)
		if err != nil {
			return err
		}

		var all map[string]dbus.Variant
		if err := deviceObject(conn, path).Call(propsIfc+".GetAll", 0, deviceIfc).Store(&all); err != nil {
			return err
		}
		for name, v := range all {
			fmt.Printf("%-16s %v\n", name, v.Value())
		}
		return nil
	},
}

func deviceByUid(conn *dbus.Conn, uid string) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	err := managerObject(conn).Call(managerIfc+".DeviceByUid", 0, uid).Store(&path)
	return path, err
}

var enrollCommand = cli.Command{
	Name:      "enroll",
	Usage:     "store a device and authorize it",
	ArgsUsage: "<uid>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "policy", Value: "manual"},
		cli.StringFlag{Name: "authflags", Value: ""},
	},
	Action: func(c *cli.Context) error {
		uid := c.Args().First()
		if uid == "" {
			return boltderr.New(boltderr.KindFailed, "enroll requires a uid")
		}

		conn, err := systemBus()
		if err != nil {
			return err
		}
		defer conn.Close()

		var path dbus.ObjectPath
		call := managerObject(conn).Call(managerIfc+".EnrollDevice", 0, uid, c.String("policy"), c.String("authflags"))
		if err := call.Store(&path); err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var forgetCommand = cli.Command{
	Name:      "forget",
	Usage:     "remove a device's stored record and key",
	ArgsUsage: "<uid>",
	Action: func(c *cli.Context) error {
		uid := c.Args().First()
		if uid == "" {
			return boltderr.New(boltderr.KindFailed, "forget requires a uid")
		}
		conn, err := systemBus()
		if err != nil {
			return err
		}
		defer conn.Close()
		return managerObject(conn).Call(managerIfc+".ForgetDevice", 0, uid).Store()
	},
}

var authorizeCommand = cli.Command{
	Name:      "authorize",
	Usage:     "authorize a connected device",
	ArgsUsage: "<uid>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "authflags", Value: "user"},
		cli.BoolFlag{Name: "pretend", Usage: "print what would be done without doing it"},
		cli.BoolTFlag{Name: "first-time", Usage: "treat bad_state on an already-authorized device as success"},
	},
	Action: func(c *cli.Context) error {
		uid := c.Args().First()
		if uid == "" {
			return boltderr.New(boltderr.KindFailed, "authorize requires a uid")
		}

		if c.Bool("pretend") {
			fmt.Printf("would authorize %s with authflags %q\n", uid, c.String("authflags"))
			return nil
		}

		conn, err := systemBus()
		if err != nil {
			return err
		}
		defer conn.Close()

		err = managerObject(conn).Call(managerIfc+".Authorize", 0, uid, c.String("authflags")).Store()
		if err == nil {
			return nil
		}
		// --first-time=false treats bad_state on an already-authorized
		// device as success, letting a udev rule invoke authorize
		// unconditionally on every add event without erroring on
		// devices it already authorized.
		if derr, ok := err.(dbus.Error); ok && !c.BoolT("first-time") &&
			strings.TrimPrefix(derr.Name, busName+".") == string(boltderr.KindBadState) {
			return nil
		}
		return err
	},
}

var domainsCommand = cli.Command{
	Name:  "domains",
	Usage: "show the daemon's security level and default policy",
	Action: func(c *cli.Context) error {
		conn, err := systemBus()
		if err != nil {
			return err
		}
		defer conn.Close()

		for _, name := range []string{"SecurityLevel", "DefaultPolicy", "AuthMode", "Probing"} {
			v, err := getProp(managerObject(conn), managerIfc, name)
			if err != nil {
				return err
			}
			fmt.Printf("%-16s %v\n", name, v.Value())
		}
		return nil
	},
}

var configCommand = cli.Command{
	Name:  "config",
	Usage: "print the daemon's reported version",
	Action: func(c *cli.Context) error {
		conn, err := systemBus()
		if err != nil {
			return err
		}
		defer conn.Close()

		version, err := getProp(managerObject(conn), managerIfc, "Version")
		if err != nil {
			return err
		}
		fmt.Printf("boltd %v\n", version.Value())
		return nil
	},
}

var monitorCommand = cli.Command{
	Name:  "monitor",
	Usage: "watch for device/domain added and removed signals",
	Action: func(c *cli.Context) error {
		conn, err := systemBus()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(managerPath),
			dbus.WithMatchInterface(managerIfc),
		); err != nil {
			return err
		}

		signals := make(chan *dbus.Signal, 16)
		conn.Signal(signals)

		fmt.Println("monitoring, press Ctrl-C to stop")
		for sig := range signals {
			fmt.Printf("%s %v\n", sig.Name, sig.Body)
		}
		return nil
	},
}

var powerCommand = cli.Command{
	Name:      "power",
	Usage:     "hold a domain's controller powered for the process lifetime",
	ArgsUsage: "<domain-uid>",
	Action: func(c *cli.Context) error {
		uid := c.Args().First()
		if uid == "" {
			return boltderr.New(boltderr.KindFailed, "power requires a domain uid")
		}

		conn, err := systemBus()
		if err != nil {
			return err
		}
		defer conn.Close()

		var guardID string
		call := managerObject(conn).Call(managerIfc+".RequestPower", 0, uid, "boltctl")
		if err := call.Store(&guardID); err != nil {
			return err
		}

		// Opening the write side keeps the FIFO's read side (owned by
		// boltd) from seeing a hangup; closing it on exit is what
		// signals the daemon to release the power reference (spec.md
		// §4.6 Monitor setup).
		fifoPath := filepath.Join(defaultStateDir, guardID+".guard.fifo")
		fd, err := unix.Open(fifoPath, unix.O_WRONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			return boltderr.Wrap(boltderr.KindFailed, err, "open guard fifo")
		}
		defer unix.Close(fd)

		fmt.Printf("holding power, guard %s; Ctrl-C to release\n", guardID)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}
