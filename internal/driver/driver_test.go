package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"memprof/internal/config"
)

type fakeProfiler struct {
	ran bool
	err error
}

func (p *fakeProfiler) Run(ctx context.Context) error {
	p.ran = true
	return p.err
}

type fakeFactory struct {
	static  *fakeStaticCall
	dynamic *fakeDynamicCall
	prof    *fakeProfiler
}

type fakeStaticCall struct {
	dir string
	lbs int
}

type fakeDynamicCall struct {
	dir    string
	min    int
	max    *int
	search SearchFunc
}

func (f *fakeFactory) NewStatic(dir string, tmpl *CommandTemplate, lbs int) (Profiler, error) {
	f.static = &fakeStaticCall{dir: dir, lbs: lbs}
	return f.prof, nil
}

func (f *fakeFactory) NewDynamic(dir string, tmpl *CommandTemplate, min int, search SearchFunc, max *int) (Profiler, error) {
	f.dynamic = &fakeDynamicCall{dir: dir, min: min, max: max, search: search}
	return f.prof, nil
}

func intp(v int) *int { return &v }

func baseOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Arch:        "resnet50",
		ProfileDir:  filepath.Join(t.TempDir(), "profile"),
		DataStorage: "/data",
		Launcher:    config.Default().Launcher,
	}
}

func TestValidate_ConfigErrors(t *testing.T) {
	existing := t.TempDir()

	cases := []struct {
		name   string
		mutate func(o *Options)
		want   error
	}{
		{"neither batch size", func(o *Options) {}, ErrBatchSizeMissing},
		{"both batch sizes", func(o *Options) {
			o.LocalBatchSize = intp(32)
			o.MinBatchSize = intp(16)
		}, ErrBatchSizeConflict},
		{"dynamic with existing dir", func(o *Options) {
			o.MinBatchSize = intp(16)
			o.ProfileDir = existing
		}, ErrProfileDirExists},
		{"missing profile dir", func(o *Options) {
			o.LocalBatchSize = intp(32)
			o.ProfileDir = ""
		}, ErrProfileDirMissing},
		{"unknown arch", func(o *Options) {
			o.LocalBatchSize = intp(32)
			o.Arch = "gpt5"
		}, ErrUnknownArch},
		{"zero local batch size", func(o *Options) {
			o.LocalBatchSize = intp(0)
		}, ErrBatchSizeInvalid},
		{"max below min", func(o *Options) {
			o.MinBatchSize = intp(32)
			o.MaxBatchSize = intp(16)
		}, ErrBatchSizeRange},
		{"data storage unset", func(o *Options) {
			o.LocalBatchSize = intp(32)
			o.DataStorage = ""
		}, ErrDataStorageUnset},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := baseOptions(t)
			tc.mutate(&o)
			_, err := o.Validate()
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestValidate_StaticAllowsExistingDir(t *testing.T) {
	o := baseOptions(t)
	o.ProfileDir = t.TempDir()
	o.LocalBatchSize = intp(64)
	mode, err := o.Validate()
	require.NoError(t, err)
	require.Equal(t, ModeStatic, mode)
}

func TestRun_Static(t *testing.T) {
	o := baseOptions(t)
	o.LocalBatchSize = intp(48)
	f := &fakeFactory{prof: &fakeProfiler{}}

	require.NoError(t, Run(context.Background(), o, f))
	require.NotNil(t, f.static)
	require.Nil(t, f.dynamic)
	require.Equal(t, 48, f.static.lbs)
	require.Equal(t, o.ProfileDir, f.static.dir)
	require.True(t, f.prof.ran)
}

func TestRun_Dynamic(t *testing.T) {
	o := baseOptions(t)
	o.MinBatchSize = intp(16)
	o.MaxBatchSize = intp(128)
	f := &fakeFactory{prof: &fakeProfiler{}}

	require.NoError(t, Run(context.Background(), o, f))
	require.Nil(t, f.static)
	require.NotNil(t, f.dynamic)
	require.Equal(t, 16, f.dynamic.min)
	require.Equal(t, 128, *f.dynamic.max)
	for _, lbs := range []int{0, 1, 16, 17, 100, 1024} {
		require.Equal(t, lbs+16, f.dynamic.search(lbs), "search(%d)", lbs)
	}
	require.True(t, f.prof.ran)
	_, err := os.Stat(o.ProfileDir)
	require.True(t, errors.Is(err, os.ErrNotExist), "driver must not create the profile dir")
}

func TestRun_PropagatesProfilerError(t *testing.T) {
	o := baseOptions(t)
	o.LocalBatchSize = intp(8)
	boom := errors.New("boom")
	f := &fakeFactory{prof: &fakeProfiler{err: boom}}

	err := Run(context.Background(), o, f)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrConfig)
}

func TestRun_ConfigErrorSkipsFactory(t *testing.T) {
	o := baseOptions(t)
	f := &fakeFactory{prof: &fakeProfiler{}}
	err := Run(context.Background(), o, f)
	require.ErrorIs(t, err, ErrBatchSizeMissing)
	require.Nil(t, f.static)
	require.Nil(t, f.dynamic)
}

func TestPlan_FirstParams(t *testing.T) {
	o := baseOptions(t)
	o.MinBatchSize = intp(12)
	p, err := Prepare(context.Background(), o)
	require.NoError(t, err)
	require.Equal(t, Params{LocalBatchSize: 12, NumModels: 1, AccumStep: 1}, p.FirstParams())
}

func TestKnownArch(t *testing.T) {
	require.True(t, KnownArch("resnet50"))
	require.True(t, KnownArch("vgg16_bn"))
	require.False(t, KnownArch("ResNet50"))
	require.False(t, KnownArch(""))
}
