package utils

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
)

// FileHash calculates the MD5 hash of a file as a hex string.
func FileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// CopyFile copies a file from src to dst, creating parent directories.
func CopyFile(src, dst string) error {
	if err := EnsureParent(dst); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}

// MoveNoReplace renames src to dst but refuses to overwrite an existing
// destination. Used by the trash mirror so two deletions of the same path
// never clobber each other.
func MoveNoReplace(src, dst string) error {
	if err := EnsureParent(dst); err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("destination already exists: %s", dst)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	// rename cannot cross filesystems; copy then remove the source
	if copyErr := CopyFile(src, dst); copyErr != nil {
		return err
	}
	return os.Remove(src)
}
