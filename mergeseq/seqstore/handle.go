package seqstore

import (
	"fmt"
	"strings"
)

// TextKey는 세션 핸들이 저장되는 루트 항목의 키입니다.
const TextKey = "text"

// Handle은 채널에 대한 직렬화된 참조입니다: "/<documentID>/<channelID>".
type Handle string

// NewHandle은 documentID 안의 channelID에 대한 핸들을 만듭니다.
func NewHandle(documentID, channelID string) Handle {
	return Handle("/" + documentID + "/" + channelID)
}

// ParseHandle은 s가 올바른 핸들인지 검사합니다.
func ParseHandle(s string) (Handle, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] != "" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("invalid handle: %q", s)
	}
	return Handle(s), nil
}

// DocumentID는 핸들의 문서 부분을 반환합니다.
func (h Handle) DocumentID() string {
	parts := strings.Split(string(h), "/")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

// ChannelID는 핸들의 채널 부분을 반환합니다.
func (h Handle) ChannelID() string {
	parts := strings.Split(string(h), "/")
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}

func (h Handle) String() string {
	return string(h)
}
