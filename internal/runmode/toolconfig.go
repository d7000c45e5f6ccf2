package runmode

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

const maaProfile = "Default"

// ToolConfig moves a tool's own configuration file between the tool
// installation and per-user storage.
type ToolConfig struct {
	DataDir string
}

// StoredPath is where the configuration of userID (or of the script itself
// when userID is empty) is kept.
func (tc ToolConfig) StoredPath(sc config.ScriptConfig, userID string) string {
	name := filepath.Base(sc.ToolConfigPath)
	if name == "." || name == string(filepath.Separator) {
		name = "config.json"
	}
	if userID == "" {
		return filepath.Join(tc.DataDir, "scripts", sc.ID, name)
	}
	return filepath.Join(tc.DataDir, "scripts", sc.ID, "users", userID, name)
}

// Prepare writes the configuration the tool must run with for user and phase.
// Detailed users get their stored file; simple MAA users get the current
// file patched from their settings.
func (tc ToolConfig) Prepare(sc config.ScriptConfig, user config.UserConfig, phase domain.Phase) error {
	if sc.ToolConfigPath == "" {
		return nil
	}

	if domain.UserMode(user.Mode) == domain.UserDetailed {
		src := tc.StoredPath(sc, user.ID)
		if err := copyFile(src, sc.ToolConfigPath); err != nil {
			return fmt.Errorf("restoring stored config for %s: %w", user.Name, err)
		}
		if domain.ScriptKind(sc.Kind) != domain.KindMAA {
			return nil
		}
		// Stored MAA profiles still need the run switches for this phase.
		return patchMAA(sc.ToolConfigPath, func(profile map[string]interface{}) {
			applyRunSwitches(profile)
		})
	}

	if domain.ScriptKind(sc.Kind) != domain.KindMAA {
		return nil
	}
	return patchMAA(sc.ToolConfigPath, func(profile map[string]interface{}) {
		applyRunSwitches(profile)
		applyUser(profile, user, phase)
	})
}

// Restore copies the stored configuration into the tool before an
// interactive session. A missing stored file leaves the tool untouched.
func (tc ToolConfig) Restore(sc config.ScriptConfig, userID string) error {
	if sc.ToolConfigPath == "" {
		return nil
	}
	err := copyFile(tc.StoredPath(sc, userID), sc.ToolConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Capture copies the tool's configuration back into storage.
func (tc ToolConfig) Capture(sc config.ScriptConfig, userID string) error {
	if sc.ToolConfigPath == "" {
		return nil
	}
	return copyFile(sc.ToolConfigPath, tc.StoredPath(sc, userID))
}

// patchMAA loads gui.json, hands the active profile to fn and writes it back.
func patchMAA(path string, fn func(profile map[string]interface{})) error {
	doc := make(map[string]interface{})
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return err
	}

	configs, _ := doc["Configurations"].(map[string]interface{})
	if configs == nil {
		configs = make(map[string]interface{})
		doc["Configurations"] = configs
	}
	current, _ := doc["Current"].(string)
	if current == "" {
		current = maaProfile
		doc["Current"] = current
	}
	profile, _ := configs[current].(map[string]interface{})
	if profile == nil {
		profile = make(map[string]interface{})
		configs[current] = profile
	}

	fn(profile)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}

// applyRunSwitches makes the tool start its queue on launch and leave the
// emulator to the device driver. MAA stores booleans as strings.
func applyRunSwitches(profile map[string]interface{}) {
	profile["Start.RunDirectly"] = "True"
	profile["Start.StartEmulator"] = "False"
	profile["Start.OpenEmulatorAfterLaunch"] = "False"
	profile["MainFunction.PostActions"] = "0"
}

func applyUser(profile map[string]interface{}, user config.UserConfig, phase domain.Phase) {
	if user.Server != "" {
		profile["Start.ClientType"] = user.Server
	}
	if user.Account != "" {
		profile["Start.AccountName"] = user.Account
	}

	enabled := make(map[string]bool)
	if phase == domain.PhaseIntensive {
		enabled[maaFightTask] = true
		profile["MainFunction.Stage1"] = "Annihilation"
	} else {
		for _, t := range user.Tasks {
			enabled[t] = true
		}
		if user.Stage != "" {
			profile["MainFunction.Stage1"] = user.Stage
		}
	}

	for key := range profile {
		if strings.HasPrefix(key, "TaskQueue.") && strings.HasSuffix(key, ".IsChecked") {
			profile[key] = "False"
		}
	}
	for t := range enabled {
		profile["TaskQueue."+t+".IsChecked"] = "True"
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
