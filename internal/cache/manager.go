package cache

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"

	"hls-recorder/internal/config"
	"hls-recorder/internal/resume"
)

// OutputName is the recording file inside a task directory.
const OutputName = "output.ts"

// GetTaskID generates a unique ID for a task based on its playlist URL
func GetTaskID(url string) string {
	hash := md5.Sum([]byte(url))
	return hex.EncodeToString(hash[:])
}

// GetTaskDir returns the absolute path to the task's directory
func GetTaskDir(taskID string) string {
	path, _ := filepath.Abs(filepath.Join(config.GlobalConfig.CacheDir, taskID))
	return path
}

// EnsureTaskDir creates the task directory if it doesn't exist
func EnsureTaskDir(taskID string) error {
	return os.MkdirAll(GetTaskDir(taskID), 0755)
}

// OutputPath is where the task's recording is written.
func OutputPath(taskID string) string {
	return filepath.Join(GetTaskDir(taskID), OutputName)
}

// CheckpointPath is the resume file that sits next to the recording.
func CheckpointPath(taskID string) string {
	return OutputPath(taskID) + resume.Suffix
}

// OutputSize returns the current size of the task's recording, 0 if none.
func OutputSize(taskID string) int64 {
	info, err := os.Stat(OutputPath(taskID))
	if err != nil {
		return 0
	}
	return info.Size()
}

// RemoveTaskDir deletes the task's directory and everything in it.
func RemoveTaskDir(taskID string) error {
	dir := GetTaskDir(taskID)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		return os.ErrExist
	}
	return nil
}
