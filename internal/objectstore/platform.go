package objectstore

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// maxFilenameLength 文件名最大长度，截断时保留扩展名
const maxFilenameLength = 200

// SanitizeFilename 清理上传文件名，用于元数据与下载响应头
func SanitizeFilename(filename string) string {
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))

	for _, char := range invalidChars() {
		filename = strings.ReplaceAll(filename, char, "_")
	}

	filename = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, filename)

	filename = limitLength(filename, maxFilenameLength)
	filename = strings.Trim(filename, " .")
	if filename == "" {
		filename = "unnamed"
	}
	return filename
}

// invalidChars 当前平台不允许出现在文件名中的字符
func invalidChars() []string {
	switch runtime.GOOS {
	case "darwin", "linux":
		return []string{"/", "\x00", "\""}
	default:
		return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/", "\x00"}
	}
}

func limitLength(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	ext := filepath.Ext(s)
	if len(ext) >= maxLen {
		return s[:maxLen]
	}
	return strings.TrimSuffix(s, ext)[:maxLen-len(ext)] + ext
}

// ValidatePath 校验存储根目录
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return nil
}

// NormalizePath 转换为清理后的绝对路径
func NormalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}
