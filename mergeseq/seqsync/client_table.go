package seqsync

import (
	"sync"

	"prosesync/mergeseq/common"
)

// ClientTable은 채널에 연결된 각 클라이언트의 마지막 참조 seq를 추적합니다.
// 가장 작은 참조 seq가 협업 윈도우의 하한(minSeq)이 됩니다.
type ClientTable struct {
	// refs는 클라이언트 ID에서 참조 seq로의 맵입니다.
	refs map[common.ClientID]int64

	// mutex는 테이블에 대한 동시 접근을 보호합니다.
	mutex sync.RWMutex
}

// NewClientTable은 새 클라이언트 테이블을 생성합니다.
func NewClientTable() *ClientTable {
	return &ClientTable{
		refs: make(map[common.ClientID]int64),
	}
}

// Join은 클라이언트를 refSeq 위치로 등록합니다. 이미 등록된 클라이언트는 변경되지 않습니다.
func (ct *ClientTable) Join(client common.ClientID, refSeq int64) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	if _, ok := ct.refs[client]; !ok {
		ct.refs[client] = refSeq
	}
}

// Update는 클라이언트의 참조 seq를 갱신합니다. 값은 감소하지 않습니다.
func (ct *ClientTable) Update(client common.ClientID, refSeq int64) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	if current, ok := ct.refs[client]; !ok || refSeq > current {
		ct.refs[client] = refSeq
	}
}

// Leave는 클라이언트를 테이블에서 제거합니다.
func (ct *ClientTable) Leave(client common.ClientID) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	delete(ct.refs, client)
}

// Get은 클라이언트의 참조 seq를 반환합니다.
func (ct *ClientTable) Get(client common.ClientID) (int64, bool) {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()

	ref, ok := ct.refs[client]
	return ref, ok
}

// Len은 등록된 클라이언트 수를 반환합니다.
func (ct *ClientTable) Len() int {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()

	return len(ct.refs)
}

// MinSeq는 등록된 클라이언트의 가장 작은 참조 seq를 반환합니다.
// 클라이언트가 없으면 head를 반환합니다.
func (ct *ClientTable) MinSeq(head int64) int64 {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()

	min := head
	for _, ref := range ct.refs {
		if ref < min {
			min = ref
		}
	}
	return min
}

// Snapshot은 테이블의 복사본을 반환합니다.
func (ct *ClientTable) Snapshot() map[common.ClientID]int64 {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()

	result := make(map[common.ClientID]int64, len(ct.refs))
	for client, ref := range ct.refs {
		result[client] = ref
	}
	return result
}
