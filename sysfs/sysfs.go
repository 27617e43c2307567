// Package sysfs implements pure functions over a thunderbolt sysfs
// device node (spec.md §4.2). A missing attribute is a recoverable
// "not found" condition (the caller gets an absent field); an attribute
// whose enum form is unknown is a warning and falls back to the safest
// neutral value.
package sysfs

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gicmo/bolt-sub000/blog"
	"github.com/gicmo/bolt-sub000/boltderr"
)

var log = blog.For("sysfs")

// SecurityLevel mirrors spec.md §3's SecurityLevel enum.
type SecurityLevel string

const (
	SecurityNone    SecurityLevel = "none"
	SecurityDPOnly  SecurityLevel = "dponly"
	SecurityUSBOnly SecurityLevel = "usbonly"
	SecurityUser    SecurityLevel = "user"
	SecuritySecure  SecurityLevel = "secure"
)

// ParseSecurityLevel parses the kernel's lowercase security string,
// falling back to SecurityNone for anything unrecognized (the "safest
// neutral" per spec.md §4.2).
func ParseSecurityLevel(s string) SecurityLevel {
	switch SecurityLevel(strings.TrimSpace(s)) {
	case SecurityNone, SecurityDPOnly, SecurityUSBOnly, SecurityUser, SecuritySecure:
		return SecurityLevel(s)
	default:
		if s != "" {
			log.WithField("value", s).Warn("unknown security level, falling back to none")
		}
		return SecurityNone
	}
}

// KeyState mirrors spec.md §3's KeyState enum.
type KeyState string

const (
	KeyMissing KeyState = "missing"
	KeyHave    KeyState = "have"
	KeyNew     KeyState = "new"
)

// ParseKeyState parses the kernel's "key" attribute value.
func ParseKeyState(s string) KeyState {
	switch KeyState(strings.TrimSpace(s)) {
	case KeyHave, KeyNew:
		return KeyState(s)
	default:
		return KeyMissing
	}
}

// AuthorizedState is the raw integer value of the kernel's "authorized"
// attribute.
type AuthorizedState int

const (
	AuthNone     AuthorizedState = 0
	AuthUser     AuthorizedState = 1
	AuthSecure   AuthorizedState = 2
)

// LinkLane describes one direction of a thunderbolt link.
type LinkLane struct {
	Speed int
	Lanes int
}

// LinkSpeed is the {rx, tx} pair reported by the kernel, or absent if
// either attribute is missing.
type LinkSpeed struct {
	Rx LinkLane
	Tx LinkLane
}

// Device is a handle to one node under /sys/bus/thunderbolt/devices.
// It is a thin wrapper around a directory path; all methods are pure
// reads with no caching, matching spec.md's "pure functions" framing.
type Device struct {
	syspath string
}

// NewDevice wraps a sysfs node path.
func NewDevice(syspath string) *Device {
	return &Device{syspath: syspath}
}

// Syspath returns the wrapped path.
func (d *Device) Syspath() string { return d.syspath }

func (d *Device) attrPath(name string) string {
	return filepath.Join(d.syspath, name)
}

// readAttr reads and trims a sysfs attribute. A missing file returns
// ("", not_found); this is recoverable by callers per spec.md §4.2.
func (d *Device) readAttr(name string) (string, error) {
	data, err := os.ReadFile(d.attrPath(name))
	if os.IsNotExist(err) {
		return "", boltderr.New(boltderr.KindNotFound, "attribute %s not found", name)
	}
	if err != nil {
		return "", boltderr.Wrap(boltderr.KindFailed, err, "read attribute "+name)
	}
	return strings.TrimSpace(string(data)), nil
}

// IsDomain reports whether this node is a domain (root) node: domains
// carry a "security" attribute, peripherals and hosts do not.
func (d *Device) IsDomain() bool {
	_, err := d.readAttr("security")
	return err == nil
}

// Uid returns the kernel-reported unique_id, preserved byte-exact.
func (d *Device) Uid() (string, error) {
	return d.readAttr("unique_id")
}

// IsHost reports whether this node is the host router: a direct child
// of a domain, as opposed to a downstream peripheral or the domain
// itself.
func (d *Device) IsHost() bool {
	if d.IsDomain() {
		return false
	}
	parent, err := d.Parent()
	if err != nil {
		return false
	}
	return parent.IsDomain()
}

// DeviceName returns the device's display name: device_name, falling
// back to device. (spec.md §9 open question (a): the obvious,
// non-swapped assignment.)
func (d *Device) DeviceName() (string, error) {
	if name, err := d.readAttr("device_name"); err == nil {
		return name, nil
	}
	return d.readAttr("device")
}

// VendorName returns the device's vendor name: vendor_name, falling
// back to vendor.
func (d *Device) VendorName() (string, error) {
	if name, err := d.readAttr("vendor_name"); err == nil {
		return name, nil
	}
	return d.readAttr("vendor")
}

// SecurityForDevice returns the security level of this node's parent
// domain (spec.md §4.2 security_for_device()).
func (d *Device) SecurityForDevice() SecurityLevel {
	domain, err := d.ParentDomain()
	if err != nil {
		return SecurityNone
	}
	sec, err := domain.readAttr("security")
	if err != nil {
		return SecurityNone
	}
	return ParseSecurityLevel(sec)
}

// DomainSecurity reads the "security" attribute of this node directly,
// for use when the node is itself a domain (IsDomain() true); callers
// addressing a peripheral should use SecurityForDevice instead.
func (d *Device) DomainSecurity() SecurityLevel {
	sec, err := d.readAttr("security")
	if err != nil {
		return SecurityNone
	}
	return ParseSecurityLevel(sec)
}

// ParentDomain walks the "parent" chain until a domain node is found.
func (d *Device) ParentDomain() (*Device, error) {
	cur := d
	for i := 0; i < 64; i++ { // bounded: bus topology is never this deep
		if cur.IsDomain() {
			return cur, nil
		}
		parent, err := cur.Parent()
		if err != nil {
			return nil, boltderr.New(boltderr.KindNotFound, "no parent domain for %s", d.syspath)
		}
		cur = parent
	}
	return nil, boltderr.New(boltderr.KindFailed, "parent chain too deep for %s", d.syspath)
}

// Parent resolves the "parent" symlink's target as a Device, falling
// back to the containing sysfs directory when no explicit symlink
// exists.
func (d *Device) Parent() (*Device, error) {
	link := d.attrPath("parent")
	target, err := os.Readlink(link)
	if err != nil {
		// Not every node exposes an explicit "parent" symlink; the
		// directory's own parent in the sysfs tree is the fallback.
		parentDir := filepath.Dir(d.syspath)
		if parentDir == "/" || parentDir == "." || parentDir == d.syspath {
			return nil, boltderr.New(boltderr.KindNotFound, "no parent for %s", d.syspath)
		}
		return NewDevice(parentDir), nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	return NewDevice(filepath.Clean(target)), nil
}

// AuthorizedState reads the "authorized" attribute (0, 1 or 2).
func (d *Device) AuthorizedState() (AuthorizedState, error) {
	val, err := d.readAttr("authorized")
	if err != nil {
		return AuthNone, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return AuthNone, boltderr.Wrap(boltderr.KindFailed, err, "parse authorized")
	}
	return AuthorizedState(n), nil
}

// KeyState reads the "key" attribute.
func (d *Device) KeyState() KeyState {
	val, err := d.readAttr("key")
	if err != nil {
		return KeyMissing
	}
	return ParseKeyState(val)
}

// KeyPath returns the path of the kernel's "key" attribute file, which
// package auth opens and hands to key.WriteToKernel.
func (d *Device) KeyPath() string {
	return d.attrPath("key")
}

// AuthorizedPath returns the path of the kernel's "authorized" attribute
// file.
func (d *Device) AuthorizedPath() string {
	return d.attrPath("authorized")
}

// BootACL reads the "boot_acl" attribute as a comma-separated uid list.
func (d *Device) BootACL() ([]string, error) {
	val, err := d.readAttr("boot_acl")
	if err != nil {
		return nil, err
	}
	if val == "" {
		return nil, nil
	}
	return strings.Split(val, ","), nil
}

// LinkSpeed returns the rx/tx speed+lanes pair, or (nil, nil) if the
// attributes are absent (e.g. the node is not a link-carrying device).
func (d *Device) LinkSpeed() (*LinkSpeed, error) {
	rxSpeed, err := d.readAttr("rx_speed")
	if err != nil {
		return nil, nil //nolint:nilerr // absent link speed is not an error
	}
	rxLanes, err := d.readAttr("rx_lanes")
	if err != nil {
		return nil, nil //nolint:nilerr
	}
	txSpeed, err := d.readAttr("tx_speed")
	if err != nil {
		return nil, nil //nolint:nilerr
	}
	txLanes, err := d.readAttr("tx_lanes")
	if err != nil {
		return nil, nil //nolint:nilerr
	}

	ls := &LinkSpeed{}
	ls.Rx.Speed, _ = strconv.Atoi(rxSpeed)
	ls.Rx.Lanes, _ = strconv.Atoi(rxLanes)
	ls.Tx.Speed, _ = strconv.Atoi(txSpeed)
	ls.Tx.Lanes, _ = strconv.Atoi(txLanes)
	return ls, nil
}

// IOMMU reports the domain's "iommu_dma_protection" attribute.
func (d *Device) IOMMU() bool {
	val, err := d.readAttr("iommu_dma_protection")
	if err != nil {
		return false
	}
	return val == "1"
}
