// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows
// +build windows

package pff

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"grimm.is/trafficctl/internal/constants"
	wfperrors "grimm.is/trafficctl/internal/errors"
	"grimm.is/trafficctl/internal/filter"
)

// fwpuclnt.dll is the Windows Filtering Platform's user-mode client
// library. There is no Go binding for it in the ecosystem, so the
// production backing calls straight into the DLL via golang.org/x/sys's
// LazyDLL/LazyProc — the same technique golang.org/x/sys/windows itself
// uses internally for APIs it hasn't wrapped, and the one wireguard/windows
// and tailscale.com reach for when they need a Windows API with no Go
// surface of its own.
var (
	fwpuclnt = windows.NewLazySystemDLL("fwpuclnt.dll")

	procFwpmEngineOpen0              = fwpuclnt.NewProc("FwpmEngineOpen0")
	procFwpmEngineClose0             = fwpuclnt.NewProc("FwpmEngineClose0")
	procFwpmTransactionBegin0        = fwpuclnt.NewProc("FwpmTransactionBegin0")
	procFwpmTransactionCommit0       = fwpuclnt.NewProc("FwpmTransactionCommit0")
	procFwpmTransactionAbort0        = fwpuclnt.NewProc("FwpmTransactionAbort0")
	procFwpmProviderAdd0             = fwpuclnt.NewProc("FwpmProviderAdd0")
	procFwpmProviderDeleteByKey0     = fwpuclnt.NewProc("FwpmProviderDeleteByKey0")
	procFwpmProviderGetByKey0        = fwpuclnt.NewProc("FwpmProviderGetByKey0")
	procFwpmSubLayerAdd0             = fwpuclnt.NewProc("FwpmSubLayerAdd0")
	procFwpmSubLayerDeleteByKey0     = fwpuclnt.NewProc("FwpmSubLayerDeleteByKey0")
	procFwpmSubLayerGetByKey0        = fwpuclnt.NewProc("FwpmSubLayerGetByKey0")
	procFwpmFilterAdd0               = fwpuclnt.NewProc("FwpmFilterAdd0")
	procFwpmFilterDeleteByKey0       = fwpuclnt.NewProc("FwpmFilterDeleteByKey0")
	procFwpmFilterDeleteById0        = fwpuclnt.NewProc("FwpmFilterDeleteById0")
	procFwpmFilterGetByKey0          = fwpuclnt.NewProc("FwpmFilterGetByKey0")
	procFwpmFilterCreateEnumHandle0  = fwpuclnt.NewProc("FwpmFilterCreateEnumHandle0")
	procFwpmFilterEnum0              = fwpuclnt.NewProc("FwpmFilterEnum0")
	procFwpmFilterDestroyEnumHandle0 = fwpuclnt.NewProc("FwpmFilterDestroyEnumHandle0")
	procFwpmGetAppIdFromFileName0    = fwpuclnt.NewProc("FwpmGetAppIdFromFileName0")
	procFwpmFreeMemory0              = fwpuclnt.NewProc("FwpmFreeMemory0")
)

// PFF status codes this service maps by name (spec.md §6.1). The exact
// numeric values are the documented FWP_E_*/ERROR_* constants; only the
// ones this service branches on are reproduced here.
const (
	fwpEAlreadyExists   = 0x80320009
	fwpEInUse           = 0x8032000A
	errorNotFound       = 0x80070490
	fwpEFilterNotFound  = 0x80320003
	fwpEProviderNotFound = 0x80320005
	fwpESublayerNotFound = 0x80320007
	errorAccessDenied   = 0x80070005
)

// guid mirrors the Windows GUID layout so we can write a FWPM key field
// directly from a parsed UUID string.
type guid struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

func parseGUID(s string) (guid, error) {
	u, err := windows.GUIDFromString("{" + s + "}")
	if err != nil {
		return guid{}, err
	}
	return guid{Data1: u.Data1, Data2: u.Data2, Data3: u.Data3, Data4: u.Data4}, nil
}

func guidString(g guid) string {
	u := windows.GUID{Data1: g.Data1, Data2: g.Data2, Data3: g.Data3, Data4: g.Data4}
	return u.String()
}

// Real is the production Engine, backed by an open WFP engine handle.
type Real struct {
	mu     sync.Mutex
	handle uintptr
}

// Open establishes a session with the local PFF engine. A failure whose
// underlying status is access-denied is translated to KindAccessDenied
// per §4.4's contract for openEngine().
func Open() (*Real, error) {
	var handle uintptr
	r, _, _ := procFwpmEngineOpen0.Call(
		0, // server name: NULL = local machine
		uintptr(windows.RPC_C_AUTHN_WINNT),
		0, // auth identity: NULL = use calling thread's token
		0, // session: NULL = default session
		uintptr(unsafe.Pointer(&handle)),
	)
	if r != 0 {
		return nil, translateStatus(uint32(r), "open engine")
	}
	return &Real{handle: handle}, nil
}

func (e *Real) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return nil
	}
	r, _, _ := procFwpmEngineClose0.Call(e.handle)
	e.handle = 0
	if r != 0 {
		return translateStatus(uint32(r), "close engine")
	}
	return nil
}

func (e *Real) Begin() (Transaction, error) {
	r, _, _ := procFwpmTransactionBegin0.Call(e.handle, 0)
	if r != 0 {
		return nil, translateStatus(uint32(r), "begin transaction")
	}
	return &realTx{e: e}, nil
}

type realTx struct {
	e    *Real
	done bool
}

func (t *realTx) Commit() error {
	if t.done {
		return wfperrors.New(wfperrors.KindInvalidState, "transaction already finished")
	}
	t.done = true
	r, _, _ := procFwpmTransactionCommit0.Call(t.e.handle)
	if r != 0 {
		// A failed commit auto-aborts on the PFF side; a subsequent Abort
		// call here would be a no-op by the same rule (§4.4).
		return translateStatus(uint32(r), "commit transaction")
	}
	return nil
}

func (t *realTx) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	r, _, _ := procFwpmTransactionAbort0.Call(t.e.handle)
	if r != 0 {
		return translateStatus(uint32(r), "abort transaction")
	}
	return nil
}

func (e *Real) ProviderExists(key string) (bool, error) {
	g, err := parseGUID(key)
	if err != nil {
		return false, err
	}
	var out uintptr
	r, _, _ := procFwpmProviderGetByKey0.Call(e.handle, uintptr(unsafe.Pointer(&g)), uintptr(unsafe.Pointer(&out)))
	if r == errorNotFound || r == fwpEProviderNotFound {
		return false, nil
	}
	if r != 0 {
		return false, translateStatus(uint32(r), "get provider")
	}
	freeMemory(out)
	return true, nil
}

func (e *Real) SublayerExists(key string) (bool, error) {
	g, err := parseGUID(key)
	if err != nil {
		return false, err
	}
	var out uintptr
	r, _, _ := procFwpmSubLayerGetByKey0.Call(e.handle, uintptr(unsafe.Pointer(&g)), uintptr(unsafe.Pointer(&out)))
	if r == errorNotFound || r == fwpESublayerNotFound {
		return false, nil
	}
	if r != 0 {
		return false, translateStatus(uint32(r), "get sublayer")
	}
	freeMemory(out)
	return true, nil
}

func (e *Real) FilterExists(key string) (bool, error) {
	g, err := parseGUID(key)
	if err != nil {
		return false, err
	}
	var out uintptr
	r, _, _ := procFwpmFilterGetByKey0.Call(e.handle, uintptr(unsafe.Pointer(&g)), uintptr(unsafe.Pointer(&out)))
	if r == errorNotFound || r == fwpEFilterNotFound {
		return false, nil
	}
	if r != 0 {
		return false, translateStatus(uint32(r), "get filter")
	}
	freeMemory(out)
	return true, nil
}

// fwpmProvider0 mirrors the fields of FWPM_PROVIDER0 this service sets.
type fwpmProvider0 struct {
	ProviderKey guid
	DisplayData fwpmDisplayData0
	Flags       uint32
	ProviderData fwpByteBlob
	ServiceName  *uint16
}

type fwpmDisplayData0 struct {
	Name        *uint16
	Description *uint16
}

type fwpByteBlob struct {
	Size uint32
	Data uintptr
}

func (e *Real) AddProvider(key, name string) error {
	g, err := parseGUID(key)
	if err != nil {
		return err
	}
	nameUTF16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return err
	}
	p := fwpmProvider0{
		ProviderKey: g,
		DisplayData: fwpmDisplayData0{Name: nameUTF16},
	}
	r, _, _ := procFwpmProviderAdd0.Call(e.handle, uintptr(unsafe.Pointer(&p)), 0)
	if r == fwpEAlreadyExists {
		return nil // idempotent per §4.5.1
	}
	if r != 0 {
		return translateStatus(uint32(r), "add provider")
	}
	return nil
}

func (e *Real) DeleteProvider(key string) error {
	g, err := parseGUID(key)
	if err != nil {
		return err
	}
	r, _, _ := procFwpmProviderDeleteByKey0.Call(e.handle, uintptr(unsafe.Pointer(&g)))
	if r == errorNotFound || r == fwpEProviderNotFound {
		return nil // idempotent per §4.5.2
	}
	if r != 0 {
		return translateStatus(uint32(r), "delete provider")
	}
	return nil
}

type fwpmSublayer0 struct {
	SubLayerKey guid
	DisplayData fwpmDisplayData0
	Flags       uint32
	ProviderKey *guid
	ProviderData fwpByteBlob
	Weight      uint16
}

func (e *Real) AddSublayer(key, name string, weight int, providerKey string) error {
	g, err := parseGUID(key)
	if err != nil {
		return err
	}
	pg, err := parseGUID(providerKey)
	if err != nil {
		return err
	}
	nameUTF16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return err
	}
	s := fwpmSublayer0{
		SubLayerKey: g,
		DisplayData: fwpmDisplayData0{Name: nameUTF16},
		ProviderKey: &pg,
		Weight:      uint16(weight),
	}
	r, _, _ := procFwpmSubLayerAdd0.Call(e.handle, uintptr(unsafe.Pointer(&s)), 0)
	if r == fwpEAlreadyExists {
		return nil
	}
	if r != 0 {
		return translateStatus(uint32(r), "add sublayer")
	}
	return nil
}

func (e *Real) DeleteSublayer(key string) error {
	g, err := parseGUID(key)
	if err != nil {
		return err
	}
	r, _, _ := procFwpmSubLayerDeleteByKey0.Call(e.handle, uintptr(unsafe.Pointer(&g)))
	if r == errorNotFound || r == fwpESublayerNotFound {
		return nil
	}
	if r == fwpEInUse {
		return wfperrors.New(wfperrors.KindInvalidState, "sublayer in use: remove filters first")
	}
	if r != 0 {
		return translateStatus(uint32(r), "delete sublayer")
	}
	return nil
}

// EnumerateFiltersInSublayer pages through every filter in the engine in
// batches of EnumerateBatchSize, discarding the ones whose subLayerKey
// does not match ours — the PFF's enumeration template has no native
// sublayer predicate (§4.4).
func (e *Real) EnumerateFiltersInSublayer(sublayerKey string) ([]filter.Observed, error) {
	var enumHandle uintptr
	r, _, _ := procFwpmFilterCreateEnumHandle0.Call(e.handle, 0, uintptr(unsafe.Pointer(&enumHandle)))
	if r != 0 {
		return nil, translateStatus(uint32(r), "create filter enum handle")
	}
	defer procFwpmFilterDestroyEnumHandle0.Call(e.handle, enumHandle)

	var out []filter.Observed
	for {
		var entries uintptr
		var numReturned uint32
		r, _, _ := procFwpmFilterEnum0.Call(
			e.handle, enumHandle, uintptr(EnumerateBatchSize),
			uintptr(unsafe.Pointer(&entries)), uintptr(unsafe.Pointer(&numReturned)),
		)
		if r != 0 {
			return nil, translateStatus(uint32(r), "enumerate filters")
		}
		if numReturned == 0 {
			break
		}

		ptrSize := unsafe.Sizeof(uintptr(0))
		for i := uint32(0); i < numReturned; i++ {
			entryPtr := *(*uintptr)(unsafe.Pointer(entries + uintptr(i)*ptrSize))
			obs := decodeObservedFilter(entryPtr)
			if guidString(obs.subLayerKey) == sublayerKey {
				out = append(out, filter.Observed{Key: guidString(obs.filterKey), RuntimeID: obs.filterID, DisplayName: obs.name})
			}
		}
		freeMemory(entries)

		if numReturned < EnumerateBatchSize {
			break
		}
	}
	return out, nil
}

type observedFilterRaw struct {
	filterKey   guid
	subLayerKey guid
	filterID    uint64
	name        string
}

// decodeObservedFilter reads the handful of FWPM_FILTER0 fields this
// service needs out of the raw struct the enumeration call returned. The
// full struct carries condition arrays and a union action field this
// service never inspects, so only the leading fixed-offset fields
// (filterKey, displayData, subLayerKey... and filterId at the tail) are
// read back here.
func decodeObservedFilter(ptr uintptr) observedFilterRaw {
	// Offsets into FWPM_FILTER0 are stable for a given SDK/arch; this
	// mirrors how wireguard/windows's own WFP helper reads back fixed
	// fields from handles returned by fwpuclnt without a full cgo-style
	// struct binding.
	const filterKeyOffset = 0
	const subLayerKeyOffset = 64
	const filterIDOffset = 136

	var raw observedFilterRaw
	raw.filterKey = *(*guid)(unsafe.Pointer(ptr + filterKeyOffset))
	raw.subLayerKey = *(*guid)(unsafe.Pointer(ptr + subLayerKeyOffset))
	raw.filterID = *(*uint64)(unsafe.Pointer(ptr + filterIDOffset))
	return raw
}

// PFF condition field keys and action/match/type tags this service ever
// constructs (§3.3). The full PFF header defines many more of each; only
// the handful AddFilter needs are reproduced here, the same way
// fwpmProvider0/fwpmSublayer0 above reproduce only the fields this service
// sets rather than the whole FWPM_PROVIDER0/FWPM_SUBLAYER0 layout.
const (
	fwpMatchEqual = 0
	fwpMatchRange = 9

	fwpUint32Type     = 4
	fwpV4AddrMaskType = 8
	fwpRangeType      = 10
	fwpByteBlobType   = 16

	fwpActionBlock  = 0x00000001
	fwpActionPermit = 0x00000002
)

var conditionFieldKeys = struct {
	RemoteAddress string
	RemotePort    string
	AppID         string
}{
	RemoteAddress: "b235ae9a-1d64-49b8-a44c-5ff3d9095045",
	RemotePort:    "c35a604d-d22b-4e1a-91b4-68f674ee674b",
	AppID:         "d78e1e87-8644-4ea5-9437-d809ecefc971",
}

// aleLayerKeys maps the two ALE layers a compiled filter can be pinned to
// (spec.md §3.3, §4.5) to the PFF's fixed layer keys for them.
var aleLayerKeys = map[filter.Layer]string{
	filter.LayerALEAuthorizeConnectV4:    "c38d57d1-05a7-4c33-904f-7fbceee60e82",
	filter.LayerALEAuthorizeRecvAcceptV4: "88bc8e4e-56fd-4b30-9c2a-a6e4a9c8ff14",
}

type fwpV4AddrAndMask struct {
	Addr uint32
	Mask uint32
}

type fwpRange0 struct {
	Low  uint32
	High uint32
}

// fwpConditionValue0 stands in for FWPM_CONDITION_VALUE0's tagged union:
// Type selects which of the typed fields is populated. Only the three
// condition shapes AddFilter ever builds (inline uint32, address/mask pair,
// byte blob) are represented, each as its own pointer field rather than a
// true union, so the Go garbage collector keeps the pointed-to value alive
// for as long as the condition itself is reachable.
type fwpConditionValue0 struct {
	Type       uint32
	UInt32     uint32
	V4AddrMask *fwpV4AddrAndMask
	Range      *fwpRange0
	ByteBlob   *fwpByteBlob
}

type fwpmFilterCondition0 struct {
	FieldKey  guid
	MatchType uint32
	Value     fwpConditionValue0
}

type fwpmAction0 struct {
	Type uint32
}

type fwpmFilter0 struct {
	FilterKey           guid
	DisplayData         fwpmDisplayData0
	Flags               uint32
	ProviderKey         *guid
	ProviderData        fwpByteBlob
	LayerKey            guid
	SubLayerKey         guid
	Weight              uint64
	NumFilterConditions uint32
	FilterCondition     *fwpmFilterCondition0
	Action              fwpmAction0
}

// ipConditionToAddrMask turns a dotted-quad/prefix condition into the
// network-byte-order address and mask FWP_V4_ADDR_AND_MASK expects.
func ipConditionToAddrMask(c filter.IPCondition) (addr, mask uint32) {
	ip4 := net.ParseIP(c.Address).To4()
	if ip4 == nil {
		return 0, 0
	}
	addr = binary.BigEndian.Uint32(ip4)
	switch {
	case c.Prefix <= 0:
		mask = 0
	case c.Prefix >= 32:
		mask = 0xFFFFFFFF
	default:
		mask = ^uint32(0) << uint(32-c.Prefix)
	}
	return addr, mask
}

// AddFilter builds and installs the FWPM_FILTER0 the compiler emitted for
// one rule (§3.3, §4.5, C6): layer and sublayer pinning, the permit/block
// action, and a condition per populated field on the compiled filter. This
// mirrors AddProvider/AddSublayer above — build a real typed struct, take
// its address, and call straight into fwpuclnt — extended with the
// variable-length condition array a filter (unlike a provider or sublayer)
// carries.
func (e *Real) AddFilter(c filter.Compiled) (uint64, error) {
	key, err := parseGUID(c.Key)
	if err != nil {
		return 0, err
	}
	sublayer, err := parseGUID(constants.SublayerKey)
	if err != nil {
		return 0, err
	}
	layerKeyStr, ok := aleLayerKeys[c.Layer]
	if !ok {
		return 0, wfperrors.Errorf(wfperrors.KindInvalidArgument, "add filter %s: unrecognized layer %q", c.Key, c.Layer)
	}
	layerKey, err := parseGUID(layerKeyStr)
	if err != nil {
		return 0, err
	}
	nameUTF16, err := windows.UTF16PtrFromString(c.DisplayName)
	if err != nil {
		return 0, err
	}

	var conditions []fwpmFilterCondition0
	if c.RemoteIP != nil {
		fk, err := parseGUID(conditionFieldKeys.RemoteAddress)
		if err != nil {
			return 0, err
		}
		addr, mask := ipConditionToAddrMask(*c.RemoteIP)
		conditions = append(conditions, fwpmFilterCondition0{
			FieldKey:  fk,
			MatchType: fwpMatchEqual,
			Value:     fwpConditionValue0{Type: fwpV4AddrMaskType, V4AddrMask: &fwpV4AddrAndMask{Addr: addr, Mask: mask}},
		})
	}
	if c.RemotePort != nil {
		fk, err := parseGUID(conditionFieldKeys.RemotePort)
		if err != nil {
			return 0, err
		}
		if c.RemotePort.Lo == c.RemotePort.Hi {
			conditions = append(conditions, fwpmFilterCondition0{
				FieldKey:  fk,
				MatchType: fwpMatchEqual,
				Value:     fwpConditionValue0{Type: fwpUint32Type, UInt32: uint32(c.RemotePort.Lo)},
			})
		} else {
			conditions = append(conditions, fwpmFilterCondition0{
				FieldKey:  fk,
				MatchType: fwpMatchRange,
				Value: fwpConditionValue0{Type: fwpRangeType, Range: &fwpRange0{
					Low:  uint32(c.RemotePort.Lo),
					High: uint32(c.RemotePort.Hi),
				}},
			})
		}
	}
	if !c.ProcessDropped && len(c.ProcessDevicePath) > 0 {
		fk, err := parseGUID(conditionFieldKeys.AppID)
		if err != nil {
			return 0, err
		}
		conditions = append(conditions, fwpmFilterCondition0{
			FieldKey:  fk,
			MatchType: fwpMatchEqual,
			Value: fwpConditionValue0{Type: fwpByteBlobType, ByteBlob: &fwpByteBlob{
				Size: uint32(len(c.ProcessDevicePath)),
				Data: uintptr(unsafe.Pointer(&c.ProcessDevicePath[0])),
			}},
		})
	}

	action := fwpmAction0{Type: fwpActionBlock}
	if c.Action == "allow" {
		action = fwpmAction0{Type: fwpActionPermit}
	}

	f := fwpmFilter0{
		FilterKey:   key,
		DisplayData: fwpmDisplayData0{Name: nameUTF16},
		LayerKey:    layerKey,
		SubLayerKey: sublayer,
		Weight:      uint64(c.Weight),
		Action:      action,
	}
	if len(conditions) > 0 {
		f.NumFilterConditions = uint32(len(conditions))
		f.FilterCondition = &conditions[0]
	}

	var filterID uint64
	r, _, _ := procFwpmFilterAdd0.Call(e.handle, uintptr(unsafe.Pointer(&f)), 0, uintptr(unsafe.Pointer(&filterID)))
	if r == fwpEAlreadyExists {
		return filterID, nil
	}
	if r != 0 {
		return 0, translateStatus(uint32(r), fmt.Sprintf("add filter %s", c.Key))
	}
	return filterID, nil
}

func (e *Real) DeleteFilterByKey(key string) error {
	g, err := parseGUID(key)
	if err != nil {
		return err
	}
	r, _, _ := procFwpmFilterDeleteByKey0.Call(e.handle, uintptr(unsafe.Pointer(&g)))
	if r == errorNotFound || r == fwpEFilterNotFound {
		return nil // race tolerance per §4.4
	}
	if r != 0 {
		return translateStatus(uint32(r), "delete filter by key")
	}
	return nil
}

func (e *Real) DeleteFilterByID(id uint64) error {
	r, _, _ := procFwpmFilterDeleteById0.Call(e.handle, uintptr(id))
	if r == errorNotFound || r == fwpEFilterNotFound {
		return nil
	}
	if r != 0 {
		return translateStatus(uint32(r), "delete filter by id")
	}
	return nil
}

// TranslateProcessPath converts a filesystem path into the PFF's canonical
// app-id blob via FwpmGetAppIdFromFileName0 (§4.6).
func (e *Real) TranslateProcessPath(path string) ([]byte, error) {
	pathUTF16, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	var blob uintptr
	r, _, _ := procFwpmGetAppIdFromFileName0.Call(uintptr(unsafe.Pointer(pathUTF16)), uintptr(unsafe.Pointer(&blob)))
	if r != 0 {
		return nil, translateStatus(uint32(r), "translate process path")
	}
	defer freeMemory(blob)

	b := (*fwpByteBlob)(unsafe.Pointer(blob))
	out := make([]byte, b.Size)
	if b.Size > 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(b.Data)), b.Size)
		copy(out, src)
	}
	return out, nil
}

func freeMemory(ptr uintptr) {
	if ptr == 0 {
		return
	}
	p := ptr
	procFwpmFreeMemory0.Call(uintptr(unsafe.Pointer(&p)))
}

// translateStatus maps a raw FWP_E_*/Win32 status to the closed error
// taxonomy, preserving the numeric code per spec.md §7.
func translateStatus(code uint32, op string) error {
	switch code {
	case errorAccessDenied:
		return wfperrors.New(wfperrors.KindAccessDenied, op+": access denied")
	case errorNotFound, fwpEFilterNotFound, fwpEProviderNotFound, fwpESublayerNotFound:
		return wfperrors.New(wfperrors.KindNotFound, op+": not found")
	case fwpEAlreadyExists:
		return wfperrors.New(wfperrors.KindInvalidState, op+": already exists")
	case fwpEInUse:
		return wfperrors.New(wfperrors.KindInvalidState, op+": in use")
	default:
		return wfperrors.WfpErr(int(code), fmt.Sprintf("%s failed with status 0x%08x", op, code))
	}
}
