package executor

import (
	"encoding/json"
	"fmt"

	"github.com/bastion-backup/bastion/engine/targetstore"
	"github.com/bastion-backup/bastion/shared/types"
)

// destSnapshot mirrors the hub's run_artifacts.target_snapshot_json shape
// exactly (hub/internal/scheduler) — it is what arrives as a task's
// destination_config, so the agent can open the same target the hub will
// later need to delete from.
type destSnapshot struct {
	BaseDir     string `json:"base_dir,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

type webdavCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func buildStore(destType types.DestinationType, cfgJSON json.RawMessage) (targetstore.Store, error) {
	var snap destSnapshot
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &snap); err != nil {
			return nil, fmt.Errorf("executor: decode destination config: %w", err)
		}
	}

	switch destType {
	case types.DestinationTypeWebDAV:
		var creds webdavCredentials
		if snap.Credentials != "" {
			_ = json.Unmarshal([]byte(snap.Credentials), &creds)
		}
		return targetstore.NewWebDAV(snap.BaseURL, creds.Username, creds.Password), nil
	case types.DestinationTypeLocal, "":
		return targetstore.NewLocalDir(snap.BaseDir), nil
	default:
		return nil, fmt.Errorf("executor: unsupported destination type %q", destType)
	}
}
