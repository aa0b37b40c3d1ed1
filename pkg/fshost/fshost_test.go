package fshost

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinkparq/fshost/pkg/block"
	"github.com/thinkparq/fshost/pkg/block/blocktest"
	"github.com/thinkparq/fshost/pkg/fsmgmt"
	"github.com/thinkparq/fshost/pkg/pkgfs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mountCall struct {
	device string
	path   string
	format block.DiskFormat
	opts   fsmgmt.MountOptions
}

type fakeMounter struct {
	mounts   []mountCall
	fscks    []string
	mountErr func(path string) error
	fsckErr  error
}

func (m *fakeMounter) Mount(ctx context.Context, dev block.Device, path string, format block.DiskFormat, opts fsmgmt.MountOptions, launcher fsmgmt.Launcher) error {
	defer dev.Close()
	m.mounts = append(m.mounts, mountCall{device: dev.Name(), path: path, format: format, opts: opts})
	if m.mountErr != nil {
		return m.mountErr(path)
	}
	return nil
}

func (m *fakeMounter) Fsck(ctx context.Context, devicePath string, format block.DiskFormat, launcher fsmgmt.Launcher) error {
	m.fscks = append(m.fscks, devicePath)
	return m.fsckErr
}

type fakeBootstrapper struct {
	launches int
	err      error
}

func (b *fakeBootstrapper) Launch(ctx context.Context) error {
	b.launches++
	return b.err
}

type fakeStarter struct {
	starts int
}

func (s *fakeStarter) Start(ctx context.Context) {
	s.starts++
}

type fakeOpener struct {
	devices map[string]*blocktest.Device
}

func (o *fakeOpener) Open(name string) (block.Device, error) {
	d, ok := o.devices[name]
	if !ok {
		return nil, errors.New("no such device")
	}
	return d, nil
}

// harness wires a classifier to fakes. Device formats are looked up by device name.
type harness struct {
	opener    *fakeOpener
	formats   map[string]block.DiskFormat
	mounter   *fakeMounter
	bootstrap *fakeBootstrapper
	starter   *fakeStarter
	orch      *Orchestrator
	cls       *Classifier
	registry  *prometheus.Registry
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T, policy Policy, opts ...OrchestratorOpt) *harness {
	t.Helper()
	h := &harness{
		opener:    &fakeOpener{devices: map[string]*blocktest.Device{}},
		formats:   map[string]block.DiskFormat{},
		mounter:   &fakeMounter{},
		bootstrap: &fakeBootstrapper{},
		starter:   &fakeStarter{},
		registry:  prometheus.NewRegistry(),
	}
	core, logs := observer.New(zap.DebugLevel)
	h.logs = logs
	opts = append([]OrchestratorOpt{WithMetrics(NewMetrics(h.registry))}, opts...)
	h.orch = NewOrchestrator(zap.New(core), PathsUnder("/fs"), policy, h.mounter, Launchers{}, h.bootstrap, h.starter, opts...)
	sniffer := block.SnifferFunc(func(r io.ReaderAt) block.DiskFormat {
		return h.formats[r.(*blocktest.Device).Name()]
	})
	h.cls = NewClassifier(zap.NewNop(), h.opener, sniffer, h.orch)
	return h
}

func (h *harness) add(name string, format block.DiskFormat, guid uuid.UUID) *blocktest.Device {
	d := blocktest.New(name, guid, nil)
	h.opener.devices[name] = d
	h.formats[name] = format
	return d
}

func (h *harness) handle(t *testing.T, name string) error {
	t.Helper()
	err := h.cls.HandleDevice(context.Background(), name)
	assert.True(t, h.cls.OnDeviceAdded(context.Background(), "missing-"+name), "the watcher must always continue")
	return err
}

func TestDataMountedOnce(t *testing.T) {
	h := newHarness(t, Policy{})
	a := h.add("a", block.FormatMinfs, block.GUIDData)

	require.NoError(t, h.handle(t, "a"))
	assert.True(t, a.Closed())
	require.Len(t, h.mounter.mounts, 1)
	assert.Equal(t, mountCall{device: "a", path: "/fs/data", format: block.FormatMinfs, opts: fsmgmt.MountOptions{WaitUntilReady: true}}, h.mounter.mounts[0])
	first := h.orch.Roles()
	assert.True(t, first.DataMounted)

	assert.ErrorIs(t, h.handle(t, "a"), ErrAlreadyBound)
	assert.Len(t, h.mounter.mounts, 1, "a duplicate event must not mount again")
	assert.Equal(t, first, h.orch.Roles())

	assert.Equal(t, float64(1), testutil.ToFloat64(h.orch.metrics.mounts.WithLabelValues("data", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.orch.metrics.devices.WithLabelValues("minfs")))
}

func TestDataClaimSurvivesMountFailure(t *testing.T) {
	h := newHarness(t, Policy{})
	h.mounter.mountErr = func(string) error { return errors.New("server crashed") }
	h.add("a", block.FormatMinfs, block.GUIDData)
	h.add("b", block.FormatMinfs, block.GUIDData)

	assert.Error(t, h.handle(t, "a"))
	assert.ErrorIs(t, h.handle(t, "b"), ErrAlreadyBound)
	assert.Len(t, h.mounter.mounts, 1)
}

func TestBlobBootstrapFiresOnce(t *testing.T) {
	h := newHarness(t, Policy{})
	failFirst := true
	h.mounter.mountErr = func(string) error {
		if failFirst {
			failFirst = false
			return errors.New("blobfs failed")
		}
		return nil
	}
	for _, name := range []string{"b0", "b1", "b2", "b3"} {
		h.add(name, block.FormatBlobfs, block.GUIDBlob)
	}

	assert.Error(t, h.handle(t, "b0"))
	assert.False(t, h.orch.Roles().BlobMounted, "a failed mount must not claim the blob role")
	assert.Zero(t, h.bootstrap.launches)

	require.NoError(t, h.handle(t, "b1"))
	assert.True(t, h.orch.Roles().BlobMounted)
	assert.Equal(t, 1, h.bootstrap.launches)
	assert.Equal(t, "/fs/blob", h.mounter.mounts[1].path)
	assert.Equal(t, fsmgmt.DefaultMountOptions(), h.mounter.mounts[1].opts)

	assert.ErrorIs(t, h.handle(t, "b2"), ErrAlreadyBound)
	assert.ErrorIs(t, h.handle(t, "b3"), ErrAlreadyBound)
	assert.Equal(t, 1, h.bootstrap.launches)
	assert.Len(t, h.mounter.mounts, 2)
}

func TestBlobBootstrapFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Policy{})
	h.bootstrap.err = pkgfs.ErrReadinessTimeout
	h.add("b", block.FormatBlobfs, block.GUIDBlob)
	assert.NoError(t, h.handle(t, "b"))
	assert.True(t, h.orch.Roles().BlobMounted)
}

func TestBlobfsWithoutBlobGUIDIsIgnored(t *testing.T) {
	h := newHarness(t, Policy{})
	d := h.add("b", block.FormatBlobfs, block.GUIDData)
	assert.ErrorIs(t, h.handle(t, "b"), ErrInvalidArgs)
	assert.Empty(t, h.mounter.mounts)
	assert.True(t, d.Closed())
}

func TestNetboot(t *testing.T) {
	h := newHarness(t, Policy{Netboot: true, FilesystemCheck: true, Volume: "any"})
	data := h.add("data", block.FormatMinfs, block.GUIDData)
	system := h.add("system", block.FormatMinfs, block.GUIDSystem)
	blob := h.add("blob", block.FormatBlobfs, block.GUIDBlob)
	efi := h.add("efi", block.FormatFAT, block.GUIDEFI)
	gpt := h.add("disk", block.FormatGPT, uuid.Nil)
	install := h.add("install", block.FormatMinfs, block.GUIDInstall)

	for _, name := range []string{"data", "system", "blob", "efi"} {
		assert.ErrorIs(t, h.handle(t, name), ErrNotAutomounted, name)
	}
	assert.Empty(t, h.mounter.mounts)
	for _, d := range []*blocktest.Device{data, system, blob, efi} {
		assert.True(t, d.Closed())
	}

	require.NoError(t, h.handle(t, "disk"))
	assert.Equal(t, []block.Driver{block.DriverGPT}, gpt.Bound(), "containers are still bound while netbooting")

	require.NoError(t, h.handle(t, "install"))
	require.Len(t, h.mounter.mounts, 1)
	assert.Equal(t, mountCall{device: "install", path: "/fs/install", format: block.FormatMinfs, opts: fsmgmt.MountOptions{Readonly: true}}, h.mounter.mounts[0])
	assert.Empty(t, h.mounter.fscks, "netboot installs skip the integrity check")
	assert.True(t, install.Closed())
	assert.True(t, h.orch.Roles().InstallMounted)

	assert.ErrorIs(t, h.handle(t, "install"), ErrAlreadyBound)
	assert.Zero(t, h.bootstrap.launches)
	assert.Zero(t, h.starter.starts)
}

func TestEFINeverMounted(t *testing.T) {
	h := newHarness(t, Policy{})
	efi := h.add("efi", block.FormatFAT, block.GUIDEFI)
	assert.ErrorIs(t, h.handle(t, "efi"), ErrNotAutomounted)
	assert.Empty(t, h.mounter.mounts)
	assert.True(t, efi.Closed())
	assert.Zero(t, h.orch.Roles().FatCounter)
}

func TestFATVolumes(t *testing.T) {
	h := newHarness(t, Policy{})
	h.mounter.mountErr = func(path string) error {
		if path == "/fs/volume/fat-0" {
			return errors.New("bad fat")
		}
		return nil
	}
	h.add("usb0", block.FormatFAT, uuid.New())
	usb1 := blocktest.New("usb1", uuid.Nil, nil)
	usb1.GUID = nil
	h.opener.devices["usb1"] = usb1
	h.formats["usb1"] = block.FormatFAT

	assert.Error(t, h.handle(t, "usb0"))
	require.NoError(t, h.handle(t, "usb1"))
	require.Len(t, h.mounter.mounts, 2)
	assert.Equal(t, "/fs/volume/fat-1", h.mounter.mounts[1].path, "the counter advances even if a mount fails")
	assert.Equal(t, fsmgmt.MountOptions{CreateMountpoint: true}, h.mounter.mounts[1].opts)
	assert.Equal(t, block.FormatFAT, h.mounter.mounts[1].format)
}

func TestIntegrityGate(t *testing.T) {
	t.Run("blob", func(t *testing.T) {
		h := newHarness(t, Policy{FilesystemCheck: true})
		h.mounter.fsckErr = errors.New("fsck exited with status 1")
		b := h.add("b", block.FormatBlobfs, block.GUIDBlob)

		assert.ErrorIs(t, h.handle(t, "b"), ErrIntegrityCheck)
		assert.Empty(t, h.mounter.mounts)
		assert.Equal(t, []string{b.Path()}, h.mounter.fscks)
		assert.Equal(t, RoleState{}, h.orch.Roles())
		assert.Zero(t, h.bootstrap.launches)
		assert.True(t, b.Closed())
		assert.Equal(t, float64(1), testutil.ToFloat64(h.orch.metrics.integrityFailures.WithLabelValues("blobfs")))

		warnings := h.logs.FilterLevelExact(zapcore.WarnLevel).All()
		require.Len(t, warnings, 8, "the failure is reported as a multi-line banner")
		assert.Equal(t, 1, h.logs.FilterMessage("|   Corrupt device: "+b.Path()).Len())
		assert.Equal(t, 1, h.logs.FilterMessageSnippet("WARNING: fshost fsck failure!").Len())
		assert.Equal(t, "fsck exited with status 1", warnings[7].ContextMap()["error"])

		// The device is reconsidered on its next add event.
		h.mounter.fsckErr = nil
		require.NoError(t, h.handle(t, "b"))
		assert.True(t, h.orch.Roles().BlobMounted)
	})

	t.Run("minfs", func(t *testing.T) {
		h := newHarness(t, Policy{FilesystemCheck: true})
		h.mounter.fsckErr = errors.New("fsck could not be launched")
		d := h.add("d", block.FormatMinfs, block.GUIDData)

		assert.ErrorIs(t, h.handle(t, "d"), ErrIntegrityCheck)
		assert.Equal(t, 1, h.logs.FilterMessage("|   Corrupt device: "+d.Path()).Len())
		assert.Empty(t, h.mounter.mounts)
		assert.False(t, h.orch.Roles().DataMounted)
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, Policy{})
		h.mounter.fsckErr = errors.New("never consulted")
		h.add("d", block.FormatMinfs, block.GUIDData)
		require.NoError(t, h.handle(t, "d"))
		assert.Empty(t, h.mounter.fscks)
		assert.Zero(t, h.logs.FilterLevelExact(zapcore.WarnLevel).Len())
	})

	t.Run("blob already mounted skips fsck", func(t *testing.T) {
		h := newHarness(t, Policy{FilesystemCheck: true})
		h.add("b0", block.FormatBlobfs, block.GUIDBlob)
		h.add("b1", block.FormatBlobfs, block.GUIDBlob)
		require.NoError(t, h.handle(t, "b0"))
		assert.ErrorIs(t, h.handle(t, "b1"), ErrAlreadyBound)
		assert.Len(t, h.mounter.fscks, 1)
	})
}

func TestSharedRoleTracker(t *testing.T) {
	roles := &RoleTracker{}
	first := newHarness(t, Policy{}, WithRoleTracker(roles))
	second := newHarness(t, Policy{}, WithRoleTracker(roles))
	first.add("d0", block.FormatMinfs, block.GUIDData)
	first.add("v0", block.FormatFAT, uuid.Nil)
	second.add("d1", block.FormatMinfs, block.GUIDData)
	second.add("v1", block.FormatFAT, uuid.Nil)

	require.NoError(t, first.handle(t, "d0"))
	require.NoError(t, first.handle(t, "v0"))
	assert.ErrorIs(t, second.handle(t, "d1"), ErrAlreadyBound)
	require.NoError(t, second.handle(t, "v1"))

	require.Len(t, second.mounter.mounts, 1)
	assert.Equal(t, "/fs/volume/fat-1", second.mounter.mounts[0].path)
	assert.True(t, second.orch.Roles().DataMounted)
	assert.Equal(t, roles.Snapshot(), first.orch.Roles())
}

func TestSystemPolicy(t *testing.T) {
	tests := []struct {
		name          string
		policy        Policy
		removable     bool
		infoErr       error
		expectErr     error
		expectedOpts  fsmgmt.MountOptions
		expectedStart int
	}{
		{name: "volume unset", policy: Policy{}, expectErr: ErrBadState},
		{name: "volume unrecognized", policy: Policy{Volume: "anything"}, expectErr: ErrBadState},
		{name: "volume any", policy: Policy{Volume: "any"}, expectedOpts: fsmgmt.MountOptions{Readonly: true, WaitUntilReady: true}, expectedStart: 1},
		{name: "volume any writable", policy: Policy{Volume: "any", Writable: true}, expectedOpts: fsmgmt.MountOptions{WaitUntilReady: true}, expectedStart: 1},
		{name: "volume local fixed", policy: Policy{Volume: "local"}, expectedOpts: fsmgmt.MountOptions{Readonly: true, WaitUntilReady: true}, expectedStart: 1},
		{name: "volume local removable", policy: Policy{Volume: "local"}, removable: true, expectErr: ErrBadState},
		{name: "volume local info unavailable", policy: Policy{Volume: "local"}, infoErr: errors.New("ioctl failed"), expectErr: ErrBadState},
		{name: "secondary bootfs", policy: Policy{Volume: "any", SecondaryBootfs: true}, expectErr: ErrAlreadyBound},
		{name: "blob-init override", policy: Policy{Volume: "any", BlobInit: true}, expectErr: ErrAlreadyBound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.policy)
			d := h.add("sys", block.FormatMinfs, block.GUIDSystem)
			d.DevInfo.Removable = tt.removable
			d.InfoErr = tt.infoErr

			err := h.handle(t, "sys")
			assert.True(t, d.Closed())
			assert.Equal(t, tt.expectedStart, h.starter.starts)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				assert.Empty(t, h.mounter.mounts)
				return
			}
			require.NoError(t, err)
			require.Len(t, h.mounter.mounts, 1)
			assert.Equal(t, "/fs/system", h.mounter.mounts[0].path)
			assert.Equal(t, tt.expectedOpts, h.mounter.mounts[0].opts)
		})
	}
}

func TestSystemMountFailureDoesNotStart(t *testing.T) {
	h := newHarness(t, Policy{Volume: "any"})
	h.mounter.mountErr = func(string) error { return errors.New("minfs failed") }
	h.add("sys", block.FormatMinfs, block.GUIDSystem)
	assert.Error(t, h.handle(t, "sys"))
	assert.Zero(t, h.starter.starts)
}

func TestInstallMount(t *testing.T) {
	h := newHarness(t, Policy{})
	h.add("i", block.FormatMinfs, block.GUIDInstall)
	require.NoError(t, h.handle(t, "i"))
	assert.Equal(t, mountCall{device: "i", path: "/fs/install", format: block.FormatMinfs, opts: fsmgmt.MountOptions{Readonly: true, WaitUntilReady: true}}, h.mounter.mounts[0])
	assert.ErrorIs(t, h.handle(t, "i"), ErrAlreadyBound)
}

func TestMinfsUnknownGUID(t *testing.T) {
	h := newHarness(t, Policy{})
	d := h.add("m", block.FormatMinfs, uuid.New())
	assert.ErrorIs(t, h.handle(t, "m"), ErrInvalidArgs)
	assert.Empty(t, h.mounter.mounts)
	assert.True(t, d.Closed())
}

func TestContainersAndUnknown(t *testing.T) {
	h := newHarness(t, Policy{})
	tests := []struct {
		format block.DiskFormat
		driver block.Driver
	}{
		{block.FormatGPT, block.DriverGPT},
		{block.FormatFVM, block.DriverFVM},
		{block.FormatMBR, block.DriverMBR},
		{block.FormatZxcrypt, block.DriverZxcrypt},
	}
	for _, tt := range tests {
		d := h.add(tt.format.String(), tt.format, uuid.Nil)
		require.NoError(t, h.handle(t, tt.format.String()))
		assert.Equal(t, []block.Driver{tt.driver}, d.Bound())
		assert.True(t, d.Closed())
	}

	boot := h.add("boot", block.FormatMinfs, block.GUIDData)
	boot.DevInfo.BootPart = true
	require.NoError(t, h.handle(t, "boot"))
	assert.Equal(t, []block.Driver{block.DriverBootPart}, boot.Bound())
	assert.False(t, h.orch.Roles().DataMounted, "boot partitions are never classified further")

	unknown := h.add("raw", block.FormatUnknown, uuid.Nil)
	assert.ErrorIs(t, h.handle(t, "raw"), ErrUnrecognizedFormat)
	assert.True(t, unknown.Closed())

	bindFails := h.add("fvm", block.FormatFVM, uuid.Nil)
	bindFails.BindErr = block.ErrUnsupportedDriver
	assert.ErrorIs(t, h.handle(t, "fvm"), block.ErrUnsupportedDriver)
	assert.Empty(t, h.mounter.mounts)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.deviceSeen(block.FormatMinfs)
	m.mountResult(block.RoleData, nil)
	m.integrityFailure(block.FormatBlobfs)
}
