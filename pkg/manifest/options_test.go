package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var gunicornDefaults = Options{
	{Key: "workers", Value: "9"},
	{Key: "threads", Value: "4"},
	{Key: "max-requests", Value: "500"},
	{Key: "worker-class", Value: "gevent"},
}

func TestOptionsMerge(t *testing.T) {
	tests := []struct {
		name      string
		overrides Options
		want      string
	}{
		{
			name: "defaults only",
			want: "--workers 9 --threads 4 --max-requests 500 --worker-class gevent",
		},
		{
			name:      "override keeps position",
			overrides: Options{{Key: "worker-class", Value: "sync"}, {Key: "workers", Value: "2"}},
			want:      "--workers 2 --threads 4 --max-requests 500 --worker-class sync",
		},
		{
			name:      "disabled removes a default",
			overrides: Options{{Key: "threads", Disabled: true}},
			want:      "--workers 9 --max-requests 500 --worker-class gevent",
		},
		{
			name:      "new keys append in order",
			overrides: Options{{Key: "timeout", Value: "30"}, {Key: "preload", Flag: true}},
			want:      "--workers 9 --threads 4 --max-requests 500 --worker-class gevent --timeout 30 --preload",
		},
		{
			name:      "disabled unknown key is ignored",
			overrides: Options{{Key: "reload", Disabled: true}},
			want:      "--workers 9 --threads 4 --max-requests 500 --worker-class gevent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gunicornDefaults.Merge(tt.overrides).String())
		})
	}
}

func TestOptionsMerge_DoesNotMutateDefaults(t *testing.T) {
	before := gunicornDefaults.String()
	_ = gunicornDefaults.Merge(Options{{Key: "workers", Disabled: true}, {Key: "extra", Value: "1"}})
	assert.Equal(t, before, gunicornDefaults.String())
}

func TestOptionsUnmarshal(t *testing.T) {
	var holder struct {
		Gunicorn Options `yaml:"gunicorn"`
	}
	src := "gunicorn:\n  --timeout: 60\n  access-logfile: \"-\"\n  daemon: false\n  check-config: true\n  keep-alive: null\n"
	require.NoError(t, yaml.Unmarshal([]byte(src), &holder))

	assert.Equal(t, Options{
		{Key: "timeout", Value: "60"},
		{Key: "access-logfile", Value: "-"},
		{Key: "daemon", Disabled: true},
		{Key: "check-config", Flag: true},
		{Key: "keep-alive", Disabled: true},
	}, holder.Gunicorn)

	opt, ok := holder.Gunicorn.Get("timeout")
	require.True(t, ok)
	assert.Equal(t, "60", opt.Value)
}

func TestOptionsUnmarshal_RejectsNonMapping(t *testing.T) {
	var holder struct {
		Gunicorn Options `yaml:"gunicorn"`
	}
	err := yaml.Unmarshal([]byte("gunicorn: [a, b]\n"), &holder)
	require.Error(t, err)
}

func TestEnvironmentSupervisor(t *testing.T) {
	env := Environment{Vars: map[string]string{
		"ZED":   `say "hi"`,
		"ALPHA": "100%",
		"PATH":  `C:\bin`,
	}}
	assert.Equal(t, `ALPHA="100%%",PATH="C:\\bin",ZED="say \"hi\""`, env.Supervisor())

	assert.Equal(t, `A="1"`, Environment{Raw: `A="1"`}.Supervisor())
	assert.True(t, Environment{}.IsZero())
	assert.Equal(t, "", Environment{}.Supervisor())
}
