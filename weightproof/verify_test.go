package weightproof

import "testing"

func TestValidateRejectsEmptyRecentChain(t *testing.T) {
	v := New(nil)
	if _, err := v.Validate(Proof{}, "h", 1, 1, nil); err != ErrInvalidWeightProof {
		t.Fatalf("expected ErrInvalidWeightProof, got %v", err)
	}
}

func TestValidateRejectsMismatchedAnnouncedTail(t *testing.T) {
	v := New(nil)
	proof := Proof{RecentChainData: []RecentChainEntry{{HeaderHash: "h1", SubBlockHeight: 10, Weight: 100}}}
	if _, err := v.Validate(proof, "different", 10, 100, nil); err != ErrInvalidWeightProof {
		t.Fatalf("expected ErrInvalidWeightProof for mismatched tail, got %v", err)
	}
}

func TestValidateFindsForkPointWalkingBackward(t *testing.T) {
	v := New(nil)
	proof := Proof{RecentChainData: []RecentChainEntry{
		{HeaderHash: "h8", SubBlockHeight: 8, Weight: 80},
		{HeaderHash: "h9", SubBlockHeight: 9, Weight: 90},
		{HeaderHash: "h10", SubBlockHeight: 10, Weight: 100},
	}}
	ours := map[int64]string{8: "h8", 9: "different"}
	ourRecordAt := func(h int64) (string, bool) {
		v, ok := ours[h]
		return v, ok
	}
	fork, err := v.Validate(proof, "h10", 10, 100, ourRecordAt)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if fork != 8 {
		t.Fatalf("expected fork point 8, got %d", fork)
	}
}

func TestValidateReturnsMinusOneWhenNoSharedAncestor(t *testing.T) {
	v := New(nil)
	proof := Proof{RecentChainData: []RecentChainEntry{{HeaderHash: "h10", SubBlockHeight: 10, Weight: 100}}}
	fork, err := v.Validate(proof, "h10", 10, 100, func(int64) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if fork != -1 {
		t.Fatalf("expected no shared ancestor to yield -1, got %d", fork)
	}
}

type failingSegmentVerifier struct{}

func (failingSegmentVerifier) VerifySegment(seg SubEpochSegment) error {
	return ErrInvalidWeightProof
}

func TestValidateRejectsFailingSegmentVerification(t *testing.T) {
	v := New(failingSegmentVerifier{})
	proof := Proof{
		RecentChainData:  []RecentChainEntry{{HeaderHash: "h1", SubBlockHeight: 1, Weight: 10}},
		SubEpochSegments: []SubEpochSegment{{SubEpochSummaryHash: "ses1"}},
	}
	if _, err := v.Validate(proof, "h1", 1, 10, func(int64) (string, bool) { return "", false }); err != ErrInvalidWeightProof {
		t.Fatalf("expected segment verification failure to propagate, got %v", err)
	}
}
