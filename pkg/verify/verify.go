// Package verify implements offline verification of finalized match
// records against their on-chain commitments: canonical hash comparison,
// Merkle inclusion, the fail-closed signature set, and deterministic
// replay through a fresh rule engine.
//
// Trust model: the verifier trusts only the cryptographic primitives
// (SHA-256, JCS canonicalization, Ed25519/Dilithium3) and the anchors read
// from the chain. It does NOT trust the coordinator that produced the
// record. A Verifier holds no mutable state and is safe for concurrent
// use; every call reads the chain, never writes it.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/ledger"
	"github.com/provenplay/matchproof/pkg/merkle"
	"github.com/provenplay/matchproof/pkg/record"
	"github.com/provenplay/matchproof/pkg/rules"
)

// Status is the outcome of one verification check.
type Status string

const (
	StatusPass          Status = "pass"
	StatusFail          Status = "fail"
	StatusNotApplicable Status = "not_applicable"
)

// Check names, in pipeline order.
const (
	CheckSchema     = "schema"
	CheckHash       = "anchored_hash"
	CheckMerkle     = "merkle_inclusion"
	CheckSignatures = "signatures"
	CheckReplay     = "replay"
)

var checkOrder = []string{CheckSchema, CheckHash, CheckMerkle, CheckSignatures, CheckReplay}

// Failure codes, from the shared error taxonomy. They appear verbatim in
// reports so auditors can correlate across tooling.
const (
	CodeInvalidRecord      = "InvalidCanonicalForm"
	CodeUnsupportedVersion = "UnsupportedVersion"
	CodeMoveOrdering       = "MoveOrderingError"
	CodeHashMismatch       = "HashMismatch"
	CodeMerkleProofInvalid = "MerkleProofInvalid"
	CodeSignatureInvalid   = "SignatureInvalid"
	CodeSignerUnauthorized = "SignerUnauthorized"
	CodeSignerMissing      = "SignerMissing"
	CodeIllegalMoveReplay  = "IllegalMoveReplay"
	CodeScoreMismatch      = "ScoreMismatch"
	CodeAnchorMissing      = "AnchoringFailure"
)

// VerifierVersion identifies this verifier build in reports.
const VerifierVersion = "1.0.0"

// CheckResult is a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Report is the structured output of record verification. Every field is
// auditor-facing; partial failure stays distinguishable from total failure
// because each check carries its own status.
type Report struct {
	MatchID     string        `json:"match_id"`
	Verified    bool          `json:"verified"`
	Timestamp   time.Time     `json:"timestamp"`
	Checks      []CheckResult `json:"checks"`
	Summary     string        `json:"summary"`
	IssueCount  int           `json:"issue_count"`
	VerifierVer string        `json:"verifier_version"`
}

// Check returns the named check result, if present.
func (r *Report) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

func (r *Report) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

// skipRemaining marks every standard check not yet recorded as
// not_applicable. After a hard failure the later checks would be judging a
// document the chain never committed to.
func (r *Report) skipRemaining(reason string) {
	seen := make(map[string]bool, len(r.Checks))
	for _, c := range r.Checks {
		seen[c.Name] = true
	}
	for _, name := range checkOrder {
		if !seen[name] {
			r.add(CheckResult{Name: name, Status: StatusNotApplicable, Detail: reason})
		}
	}
}

func (r *Report) finish() *Report {
	failed := 0
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			failed++
		}
	}
	r.IssueCount = failed
	if failed > 0 {
		r.Verified = false
		r.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(r.Checks))
	} else {
		r.Verified = true
		r.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(r.Checks), len(r.Checks))
	}
	return r
}

func pass(name, detail string) CheckResult {
	return CheckResult{Name: name, Status: StatusPass, Detail: detail}
}

func fail(name, code, detail string) CheckResult {
	return CheckResult{Name: name, Status: StatusFail, Code: code, Detail: detail}
}

func notApplicable(name, detail string) CheckResult {
	return CheckResult{Name: name, Status: StatusNotApplicable, Detail: detail}
}

// ChainReader is the read-only chain surface verification needs.
type ChainReader interface {
	GetMatchAnchor(ctx context.Context, matchID string) (*ledger.MatchAnchor, error)
	GetBatchAnchor(ctx context.Context, batchID string) (*ledger.BatchAnchor, error)
	IsAuthorizedSigner(ctx context.Context, matchID, pubKeyHex string) (bool, error)
}

// Verifier checks finalized records against anchored commitments.
type Verifier struct {
	chain ChainReader
	games rules.Factory
}

// New builds a verifier over a chain reader and a rule-engine factory.
func New(chain ChainReader, games rules.Factory) *Verifier {
	return &Verifier{chain: chain, games: games}
}

// Anchor is the on-chain commitment a record is verified against: either a
// direct single-match anchor, or a batch anchor plus the record's leaf
// hash and inclusion proof from the batch manifest.
type Anchor struct {
	Match *ledger.MatchAnchor
	Batch *ledger.BatchAnchor
	// Leaf is the hash the batch manifest recorded for this match. Only
	// meaningful alongside Batch.
	Leaf  crypto.Digest
	Proof *merkle.Proof
}

// DirectAnchor wraps a single-match commitment.
func DirectAnchor(a *ledger.MatchAnchor) Anchor {
	return Anchor{Match: a}
}

// BatchedAnchor wraps a batch commitment with the record's manifest leaf
// hash and inclusion proof.
func BatchedAnchor(a *ledger.BatchAnchor, leaf crypto.Digest, proof *merkle.Proof) Anchor {
	return Anchor{Batch: a, Leaf: leaf, Proof: proof}
}

// VerifyRaw parses raw record bytes and verifies them. Parse failures come
// back as a failed schema check rather than an error, so auditors get a
// structured report for malformed input too.
func (v *Verifier) VerifyRaw(ctx context.Context, raw []byte, anchor Anchor) (*Report, error) {
	rec, err := record.Parse(raw)
	if err != nil {
		report := newReport(probeMatchID(raw))
		report.add(fail(CheckSchema, classifySchemaErr(err), err.Error()))
		report.skipRemaining("record failed to parse")
		return report.finish(), nil
	}
	return v.VerifyMatch(ctx, rec, anchor)
}

// VerifyMatch runs the verification pipeline over a parsed record:
//
//  1. schema: structural and semantic validation, version gate.
//  2. anchored_hash: recomputed canonical hash vs the anchored hash. A
//     mismatch fails immediately; everything downstream would be judging a
//     different document.
//  3. merkle_inclusion: inclusion proof vs the anchored root. Not
//     applicable for individually anchored records.
//  4. signatures: every signature valid and chain-authorized, coordinator
//     signature required. Fail closed.
//  5. replay: ordered moves through a fresh engine, recomputed scores and
//     winner vs recorded.
//
// Signature and replay checks both run whenever the hash matches, so a
// failed report still carries the full picture for auditors.
//
// The returned error covers infrastructure failures only (context
// cancellation, chain lookups); verification failures live in the report.
func (v *Verifier) VerifyMatch(ctx context.Context, rec *record.MatchRecord, anchor Anchor) (*Report, error) {
	report := newReport(rec.MatchID)

	schema := checkSchema(rec)
	report.add(schema)
	if schema.Status == StatusFail {
		report.skipRemaining("record failed schema validation")
		return report.finish(), nil
	}

	digest, err := rec.Hash()
	if err != nil {
		report.add(fail(CheckHash, CodeInvalidRecord, fmt.Sprintf("canonicalize: %v", err)))
		report.skipRemaining("record could not be canonicalized")
		return report.finish(), nil
	}

	hashCheck := checkAnchoredHash(digest, anchor)
	report.add(hashCheck)
	if hashCheck.Status == StatusFail {
		report.skipRemaining("hash check failed: " + hashCheck.Code)
		return report.finish(), nil
	}

	report.add(checkInclusion(digest, anchor))

	sigCheck, err := v.checkSignatures(ctx, rec, digest)
	if err != nil {
		return nil, err
	}
	report.add(sigCheck)

	report.add(v.checkReplay(rec))

	return report.finish(), nil
}

func newReport(matchID string) *Report {
	return &Report{
		MatchID:     matchID,
		Timestamp:   time.Now().UTC(),
		Checks:      make([]CheckResult, 0, len(checkOrder)),
		VerifierVer: VerifierVersion,
	}
}

// probeMatchID best-effort extracts the match ID from bytes that failed
// full parsing, so the report still names its subject.
func probeMatchID(raw []byte) string {
	var probe struct {
		MatchID string `json:"match_id"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.MatchID
}

func classifySchemaErr(err error) string {
	switch {
	case errors.Is(err, record.ErrUnsupportedVersion):
		return CodeUnsupportedVersion
	case errors.Is(err, record.ErrMoveOrdering):
		return CodeMoveOrdering
	default:
		return CodeInvalidRecord
	}
}

func checkSchema(rec *record.MatchRecord) CheckResult {
	if err := rec.Validate(); err != nil {
		return fail(CheckSchema, classifySchemaErr(err), err.Error())
	}
	return pass(CheckSchema, fmt.Sprintf("version %s, %d moves, %d players",
		rec.Version, len(rec.Moves), len(rec.Players)))
}

func checkAnchoredHash(digest crypto.Digest, anchor Anchor) CheckResult {
	var want crypto.Digest
	switch {
	case anchor.Match != nil:
		want = anchor.Match.MatchHash
	case anchor.Batch != nil:
		if anchor.Leaf == (crypto.Digest{}) {
			return fail(CheckHash, CodeAnchorMissing,
				fmt.Sprintf("batch %s carries no manifest leaf hash for this match", anchor.Batch.BatchID))
		}
		want = anchor.Leaf
	default:
		return fail(CheckHash, CodeAnchorMissing, "no on-chain commitment to verify against")
	}
	if digest != want {
		return fail(CheckHash, CodeHashMismatch,
			fmt.Sprintf("recomputed %s, anchored %s", digest.Hex(), want.Hex()))
	}
	return pass(CheckHash, "recomputed hash "+digest.Hex())
}

func checkInclusion(digest crypto.Digest, anchor Anchor) CheckResult {
	if anchor.Batch == nil {
		return notApplicable(CheckMerkle, "record anchored individually")
	}
	if anchor.Proof == nil {
		return fail(CheckMerkle, CodeMerkleProofInvalid,
			"no inclusion proof for batch "+anchor.Batch.BatchID)
	}
	if !merkle.VerifyProof(digest, *anchor.Proof, anchor.Batch.MerkleRoot) {
		return fail(CheckMerkle, CodeMerkleProofInvalid,
			fmt.Sprintf("proof does not reach anchored root %s", anchor.Batch.MerkleRoot.Hex()))
	}
	return pass(CheckMerkle, fmt.Sprintf("included under root %s in batch %s",
		anchor.Batch.MerkleRoot.Hex(), anchor.Batch.BatchID))
}

// checkSignatures verifies the full signature set fail-closed: every
// signature cryptographically valid, every signer authorized for the
// match, and at least one valid coordinator signature present.
func (v *Verifier) checkSignatures(ctx context.Context, rec *record.MatchRecord, digest crypto.Digest) (CheckResult, error) {
	if len(rec.Signatures) == 0 {
		return fail(CheckSignatures, CodeSignerMissing, "record carries no signatures"), nil
	}

	var (
		problems          []string
		code              string
		coordinatorSigned bool
	)
	for _, sig := range rec.Signatures {
		if err := crypto.VerifySignature(sig.SigType, sig.Signer, digest, sig.Signature); err != nil {
			problems = append(problems, fmt.Sprintf("signer %s: %v", shortKey(sig.Signer), err))
			if code == "" {
				code = CodeSignatureInvalid
			}
			continue
		}
		ok, err := v.chain.IsAuthorizedSigner(ctx, rec.MatchID, sig.Signer)
		if err != nil {
			return CheckResult{}, fmt.Errorf("verify: signer directory: %w", err)
		}
		if !ok {
			problems = append(problems, fmt.Sprintf("signer %s: not authorized for match", shortKey(sig.Signer)))
			if code == "" {
				code = CodeSignerUnauthorized
			}
			continue
		}
		if sig.Role == string(crypto.RoleCoordinator) {
			coordinatorSigned = true
		}
	}
	if len(problems) > 0 {
		return fail(CheckSignatures, code, strings.Join(problems, "; ")), nil
	}
	if !coordinatorSigned {
		return fail(CheckSignatures, CodeSignerMissing, "no valid coordinator signature"), nil
	}
	return pass(CheckSignatures, fmt.Sprintf("signature set verified (%d)", len(rec.Signatures))), nil
}

// checkReplay feeds the ordered moves into a fresh engine seeded from the
// record, then compares the recomputed scores and winner to the recorded
// outcome. This catches a fabricated favorable outcome even when every
// individual move was legal.
func (v *Verifier) checkReplay(rec *record.MatchRecord) CheckResult {
	return Replay(v.games, rec)
}

// Replay runs the replay check alone, with no chain access. Offline
// tooling uses it to test a record's deterministic reproducibility before
// any anchor exists.
func Replay(games rules.Factory, rec *record.MatchRecord) CheckResult {
	engine, err := games.New(rec.Game, rec.Seed, rec.Players)
	if err != nil {
		if errors.Is(err, rules.ErrUnknownGame) || errors.Is(err, rules.ErrNoEngine) {
			return notApplicable(CheckReplay, fmt.Sprintf("no replay engine for game %q", rec.Game.Name))
		}
		return fail(CheckReplay, CodeIllegalMoveReplay, fmt.Sprintf("build engine: %v", err))
	}

	for _, mv := range rec.Moves {
		if err := engine.Apply(mv); err != nil {
			return fail(CheckReplay, CodeIllegalMoveReplay,
				fmt.Sprintf("move %d (%s by %s): %v", mv.Index, mv.Action, mv.PlayerID, err))
		}
	}

	if detail, ok := compareOutcome(rec, engine); !ok {
		return fail(CheckReplay, CodeScoreMismatch, detail)
	}
	return pass(CheckReplay, fmt.Sprintf("%d moves replayed, scores and winner match", len(rec.Moves)))
}

func compareOutcome(rec *record.MatchRecord, engine rules.Engine) (string, bool) {
	replayed := engine.Scores()
	if len(replayed) != len(rec.Scores) {
		return fmt.Sprintf("recorded %d score entries, replay produced %d",
			len(rec.Scores), len(replayed)), false
	}

	ids := make([]string, 0, len(replayed))
	for id := range replayed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if got, want := replayed[id], rec.Scores[id]; got != want {
			return fmt.Sprintf("player %s: recorded score %d, replayed %d", id, want, got), false
		}
	}

	if got, want := engine.Winner(), rec.Winner; got != want {
		return fmt.Sprintf("winner: recorded %q, replayed %q", want, got), false
	}
	return "", true
}

func shortKey(hex string) string {
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}
