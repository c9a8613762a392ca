package swarm

import (
	"os"
	"testing"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		if v == "" {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, v)
		}
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
	ResetIdentity()
	fn()
	ResetIdentity()
}

func TestCurrentIdentityDefaultsToQueen(t *testing.T) {
	withEnv(t, map[string]string{
		"PI_CHANNELS_NAME": "", "PI_SWARM_AGENT_NAME": "", "PI_SWARM_AGENT_ROLE": "", "PI_SWARM_AGENT_SWARM": "",
	}, func() {
		id := CurrentIdentity()
		if id.Role != RoleQueen {
			t.Errorf("expected default role queen, got %s", id.Role)
		}
		if id.Name != "queen" {
			t.Errorf("expected default name queen, got %s", id.Name)
		}
	})
}

func TestCurrentIdentityReadsEnvAndCaches(t *testing.T) {
	withEnv(t, map[string]string{
		"PI_CHANNELS_NAME":     "reviewer",
		"PI_SWARM_AGENT_ROLE":  "agent",
		"PI_SWARM_AGENT_SWARM": "qa",
	}, func() {
		first := CurrentIdentity()
		if first.Name != "reviewer" || first.Role != RoleAgent || first.Swarm != "qa" {
			t.Fatalf("unexpected identity: %+v", first)
		}

		os.Setenv("PI_CHANNELS_NAME", "someone-else")
		second := CurrentIdentity()
		if second.Name != "reviewer" {
			t.Fatalf("expected cached identity, got %+v", second)
		}
	})
}

func TestGetSubscribeChannelsDefaultsToGeneral(t *testing.T) {
	withEnv(t, map[string]string{"PI_CHANNELS_SUBSCRIBE": ""}, func() {
		got := GetSubscribeChannels()
		if len(got) != 1 || got[0] != GeneralChannel {
			t.Fatalf("expected [general], got %v", got)
		}
	})
}

func TestGetSubscribeChannelsTrimsAndFiltersEmpty(t *testing.T) {
	withEnv(t, map[string]string{"PI_CHANNELS_SUBSCRIBE": " general, topic-backend ,,"}, func() {
		got := GetSubscribeChannels()
		want := []string{"general", "topic-backend"}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})
}
