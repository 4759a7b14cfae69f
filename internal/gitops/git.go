// Package gitops implements the session-aware git service described by the broker's
// session-aware-services component. Every operation shells out to the git binary in a
// session's working directory; operations against the same working tree are serialized
// so two concurrent callers cannot interleave index writes.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/kandev/sandboxbroker/internal/common/logger"
	"github.com/kandev/sandboxbroker/internal/common/stringutil"
	"github.com/kandev/sandboxbroker/internal/validate"
	"go.uber.org/zap"
)

// maxErrorOutputChars bounds how much of a failed git command's combined
// stdout/stderr is folded into its error message, so a runaway command
// (e.g. a hook that dumps a large file) doesn't blow up log lines.
const maxErrorOutputChars = 4000

var ErrOperationInProgress = errors.New("git operation already in progress")
var ErrInvalidBranchName = errors.New("invalid branch name")
var ErrInvalidURL = errors.New("invalid repository url")

// isValidBranchName delegates to the shared safe-branch-name checker (I).
func isValidBranchName(branch string) bool {
	return validate.BranchName(branch) == nil
}

// isValidRepoURL delegates to the shared accepted-URL-pattern checker (I).
func isValidRepoURL(url string) bool {
	return validate.RepoURL(url) == nil
}

// OperationResult is the outcome of one git subcommand invocation.
type OperationResult struct {
	Success       bool     `json:"success"`
	Operation     string   `json:"operation"`
	Output        string   `json:"output,omitempty"`
	Error         string   `json:"error,omitempty"`
	ConflictFiles []string `json:"conflictFiles,omitempty"`
}

// CommitDiffResult is the response shape for a single-commit diff lookup.
type CommitDiffResult struct {
	Success      bool              `json:"success"`
	CommitSHA    string            `json:"commitSha"`
	Message      string            `json:"message"`
	Author       string            `json:"author"`
	Date         string            `json:"date"`
	FilesChanged int               `json:"filesChanged"`
	Insertions   int               `json:"insertions"`
	Deletions    int               `json:"deletions"`
	Diff         string            `json:"diff,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// PRCreateResult is the response shape for CreatePR.
type PRCreateResult struct {
	Success bool   `json:"success"`
	PRURL   string `json:"prUrl,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Operator runs git operations in one working directory, serialized against
// concurrent callers via an in-progress flag.
type Operator struct {
	workDir string
	log     *logger.Logger

	mu         sync.Mutex
	inProgress bool
	currentOp  string
}

// NewOperator creates an operator rooted at workDir.
func NewOperator(workDir string, log *logger.Logger) *Operator {
	return &Operator{
		workDir: workDir,
		log:     log.WithFields(zap.String("component", "gitops")),
	}
}

// SetWorkDir updates the directory git commands run in. The owning session
// calls this before every operation so the operator follows wherever the
// session's shell has actually cd'd to, rather than the directory captured
// once at NewOperator.
func (g *Operator) SetWorkDir(dir string) {
	g.mu.Lock()
	g.workDir = dir
	g.mu.Unlock()
}

func (g *Operator) getWorkDir() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.workDir
}

func (g *Operator) tryLock(op string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inProgress {
		return false
	}
	g.inProgress = true
	g.currentOp = op
	return true
}

func (g *Operator) unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inProgress = false
	g.currentOp = ""
}

func (g *Operator) runGitCommand(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.getWorkDir()
	cmd.Env = filterGitEnv(os.Environ())
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := out.String()
	if err != nil {
		trimmed := stringutil.TruncateStringWithEllipsis(strings.TrimSpace(output), maxErrorOutputChars)
		return output, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, trimmed)
	}
	return output, nil
}

// filterGitEnv strips GIT_DIR/GIT_WORK_TREE so nested git invocations can't
// be redirected away from the operator's own working directory.
func filterGitEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "GIT_DIR=") || strings.HasPrefix(e, "GIT_WORK_TREE=") {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func (g *Operator) getCurrentBranch(ctx context.Context) (string, error) {
	output, err := g.runGitCommand(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(output), nil
}

func (g *Operator) getUpstreamRef(ctx context.Context, branch string) string {
	output, err := g.runGitCommand(ctx, "rev-parse", "--abbrev-ref", "--symbolic-full-name", branch+"@{upstream}")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(output)
}

func (g *Operator) getDefaultRemoteBranch(ctx context.Context) string {
	if _, err := g.runGitCommand(ctx, "rev-parse", "--verify", "origin/main"); err == nil {
		return "main"
	}
	if _, err := g.runGitCommand(ctx, "rev-parse", "--verify", "origin/master"); err == nil {
		return "master"
	}
	return ""
}

func (g *Operator) hasUncommittedChanges(ctx context.Context) (bool, error) {
	output, err := g.runGitCommand(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check uncommitted changes: %w", err)
	}
	return strings.TrimSpace(output) != "", nil
}

func parseConflictFiles(output string) []string {
	var conflicts []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "CONFLICT") {
			continue
		}
		if idx := strings.Index(line, "Merge conflict in "); idx != -1 {
			if file := strings.TrimSpace(line[idx+len("Merge conflict in "):]); file != "" {
				conflicts = append(conflicts, file)
			}
		}
	}
	return conflicts
}

// Clone clones a repository into targetDir, optionally checking out branch.
func (g *Operator) Clone(ctx context.Context, repoURL, branch, targetDir string) (*OperationResult, error) {
	if !isValidRepoURL(repoURL) {
		return nil, ErrInvalidURL
	}
	if branch != "" && !isValidBranchName(branch) {
		return nil, ErrInvalidBranchName
	}
	if !g.tryLock("clone") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "clone"}
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, targetDir)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.getWorkDir()
	cmd.Env = filterGitEnv(os.Environ())
	out, err := cmd.CombinedOutput()
	result.Output = string(out)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Checkout switches the working tree to branch, creating it if create is true.
func (g *Operator) Checkout(ctx context.Context, branch string, create bool) (*OperationResult, error) {
	if !isValidBranchName(branch) {
		return nil, ErrInvalidBranchName
	}
	if !g.tryLock("checkout") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "checkout"}
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)

	output, err := g.runGitCommand(ctx, args...)
	result.Output = output
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

// CurrentBranch returns the name of the currently checked-out branch.
func (g *Operator) CurrentBranch(ctx context.Context) (string, error) {
	return g.getCurrentBranch(ctx)
}

// ListBranches lists local branch names.
func (g *Operator) ListBranches(ctx context.Context) ([]string, error) {
	output, err := g.runGitCommand(ctx, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// Pull performs a git pull, using the branch's upstream if set, falling back
// to the remote's default branch for branches that have never been pushed.
func (g *Operator) Pull(ctx context.Context, rebase bool) (*OperationResult, error) {
	if !g.tryLock("pull") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "pull"}
	branch, err := g.getCurrentBranch(ctx)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}

	pullBranch := branch
	if g.getUpstreamRef(ctx, branch) == "" {
		if def := g.getDefaultRemoteBranch(ctx); def != "" {
			pullBranch = def
		}
	}

	args := []string{"pull", "origin", pullBranch}
	if rebase {
		args = []string{"pull", "--rebase", "origin", pullBranch}
	}

	output, err := g.runGitCommand(ctx, args...)
	result.Output = output
	if err != nil {
		result.Error = err.Error()
		result.ConflictFiles = parseConflictFiles(output)
		if rebase && len(result.ConflictFiles) > 0 {
			if _, abortErr := g.runGitCommand(ctx, "rebase", "--abort"); abortErr != nil {
				g.log.Warn("failed to abort rebase", zap.Error(abortErr))
			}
		}
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Push pushes the current branch to origin.
func (g *Operator) Push(ctx context.Context, force, setUpstream bool) (*OperationResult, error) {
	if !g.tryLock("push") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "push"}
	branch, err := g.getCurrentBranch(ctx)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}

	args := []string{"push"}
	if setUpstream {
		args = append(args, "--set-upstream")
	}
	if force {
		args = append(args, "--force-with-lease")
	}
	args = append(args, "origin", branch)

	output, err := g.runGitCommand(ctx, args...)
	result.Output = output
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Rebase fetches baseBranch and rebases the current branch onto it, aborting
// automatically on conflict so the working tree is left in a clean state.
func (g *Operator) Rebase(ctx context.Context, baseBranch string) (*OperationResult, error) {
	if !isValidBranchName(baseBranch) {
		return nil, ErrInvalidBranchName
	}
	if !g.tryLock("rebase") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "rebase"}
	fetchOutput, err := g.runGitCommand(ctx, "fetch", "origin", baseBranch)
	if err != nil {
		result.Error = fmt.Sprintf("failed to fetch base branch: %s", err.Error())
		result.Output = fetchOutput
		return result, nil
	}

	rebaseOutput, err := g.runGitCommand(ctx, "rebase", "origin/"+baseBranch)
	result.Output = fetchOutput + rebaseOutput
	if err != nil {
		result.Error = err.Error()
		result.ConflictFiles = parseConflictFiles(rebaseOutput)
		if len(result.ConflictFiles) > 0 {
			if _, abortErr := g.runGitCommand(ctx, "rebase", "--abort"); abortErr != nil {
				g.log.Warn("failed to abort rebase", zap.Error(abortErr))
			}
		}
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Merge fetches baseBranch and merges it into the current branch. Unlike
// Rebase, a conflicted merge is left in place for the caller to resolve.
func (g *Operator) Merge(ctx context.Context, baseBranch string) (*OperationResult, error) {
	if !isValidBranchName(baseBranch) {
		return nil, ErrInvalidBranchName
	}
	if !g.tryLock("merge") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "merge"}
	fetchOutput, err := g.runGitCommand(ctx, "fetch", "origin", baseBranch)
	if err != nil {
		result.Error = fmt.Sprintf("failed to fetch base branch: %s", err.Error())
		result.Output = fetchOutput
		return result, nil
	}

	mergeOutput, err := g.runGitCommand(ctx, "merge", "origin/"+baseBranch)
	result.Output = fetchOutput + mergeOutput
	if err != nil {
		result.Error = err.Error()
		result.ConflictFiles = parseConflictFiles(mergeOutput)
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Abort aborts an in-progress merge or rebase.
func (g *Operator) Abort(ctx context.Context, operation string) (*OperationResult, error) {
	if !g.tryLock("abort") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "abort"}
	var args []string
	switch operation {
	case "merge":
		args = []string{"merge", "--abort"}
	case "rebase":
		args = []string{"rebase", "--abort"}
	default:
		result.Error = fmt.Sprintf("unsupported operation to abort: %s", operation)
		return result, nil
	}

	output, err := g.runGitCommand(ctx, args...)
	result.Output = output
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Commit stages (optionally) and commits with the given message.
func (g *Operator) Commit(ctx context.Context, message string, stageAll bool) (*OperationResult, error) {
	if !g.tryLock("commit") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "commit"}
	hasChanges, err := g.hasUncommittedChanges(ctx)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	if !hasChanges {
		result.Error = "no changes to commit"
		return result, nil
	}

	if stageAll {
		stageOutput, err := g.runGitCommand(ctx, "add", "-A")
		result.Output = stageOutput
		if err != nil {
			result.Error = fmt.Sprintf("failed to stage changes: %s", err.Error())
			return result, nil
		}
	}

	commitOutput, err := g.runGitCommand(ctx, "commit", "-m", message)
	result.Output += commitOutput
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Stage stages paths for commit (all changes if paths is empty).
func (g *Operator) Stage(ctx context.Context, paths []string) (*OperationResult, error) {
	if !g.tryLock("stage") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "stage"}
	args := []string{"add", "-A"}
	if len(paths) > 0 {
		args = append([]string{"add", "--"}, paths...)
	}
	output, err := g.runGitCommand(ctx, args...)
	result.Output = output
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Unstage removes paths from the index (all staged changes if paths is empty).
func (g *Operator) Unstage(ctx context.Context, paths []string) (*OperationResult, error) {
	if !g.tryLock("unstage") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &OperationResult{Operation: "unstage"}
	args := []string{"reset", "HEAD"}
	if len(paths) > 0 {
		args = append([]string{"reset", "HEAD", "--"}, paths...)
	}
	output, err := g.runGitCommand(ctx, args...)
	result.Output = output
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

func isHexChar(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func validateCommitSHA(sha string) string {
	if sha == "" || len(sha) > 64 {
		return "invalid commit SHA"
	}
	for _, c := range sha {
		if !isHexChar(c) {
			return "invalid commit SHA: must be hexadecimal"
		}
	}
	return ""
}

// ShowCommit returns metadata, stat summary, and full diff for one commit.
func (g *Operator) ShowCommit(ctx context.Context, commitSHA string) (*CommitDiffResult, error) {
	result := &CommitDiffResult{CommitSHA: commitSHA}
	if errMsg := validateCommitSHA(commitSHA); errMsg != "" {
		result.Error = errMsg
		return result, nil
	}

	formatOutput, err := g.runGitCommand(ctx, "show", "--no-patch", "--format=%H%n%s%n%an <%ae>%n%aI", commitSHA)
	if err != nil {
		result.Error = fmt.Sprintf("failed to get commit info: %s", err.Error())
		return result, nil
	}
	lines := strings.Split(strings.TrimSpace(formatOutput), "\n")
	if len(lines) >= 4 {
		result.CommitSHA, result.Message, result.Author, result.Date = lines[0], lines[1], lines[2], lines[3]
	}

	diffOutput, err := g.runGitCommand(ctx, "show", "--format=", "--stat", "-p", commitSHA)
	if err != nil {
		result.Error = fmt.Sprintf("failed to get commit diff: %s", err.Error())
		return result, nil
	}
	result.Diff = diffOutput
	result.FilesChanged, result.Insertions, result.Deletions = g.getCommitStats(ctx, commitSHA)
	result.Success = true
	return result, nil
}

func (g *Operator) getCommitStats(ctx context.Context, commitSHA string) (filesChanged, insertions, deletions int) {
	output, err := g.runGitCommand(ctx, "show", "--stat", "--format=", commitSHA)
	if err != nil {
		return 0, 0, 0
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return 0, 0, 0
	}
	summary := lines[len(lines)-1]

	if idx := strings.Index(summary, " file"); idx > 0 {
		parts := strings.Fields(strings.TrimSpace(summary[:idx]))
		if len(parts) > 0 {
			_, _ = fmt.Sscanf(parts[len(parts)-1], "%d", &filesChanged)
		}
	}
	if idx := strings.Index(summary, " insertion"); idx > 0 {
		start := strings.LastIndex(summary[:idx], " ") + 1
		if start > 0 && start < idx {
			_, _ = fmt.Sscanf(summary[start:idx], "%d", &insertions)
		}
	}
	if idx := strings.Index(summary, " deletion"); idx > 0 {
		start := strings.LastIndex(summary[:idx], " ") + 1
		if start > 0 && start < idx {
			_, _ = fmt.Sscanf(summary[start:idx], "%d", &deletions)
		}
	}
	return filesChanged, insertions, deletions
}

// CreatePR pushes the current branch and creates a pull request via the gh CLI.
// Returns a precondition error if gh is not on PATH.
func (g *Operator) CreatePR(ctx context.Context, title, body, baseBranch string) (*PRCreateResult, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return nil, fmt.Errorf("gh CLI not available: %w", err)
	}
	if !g.tryLock("create-pr") {
		return nil, ErrOperationInProgress
	}
	defer g.unlock()

	result := &PRCreateResult{}
	branch, err := g.getCurrentBranch(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("failed to get current branch: %s", err.Error())
		return result, nil
	}

	pushOutput, err := g.runGitCommand(ctx, "push", "--set-upstream", "origin", "HEAD")
	if err != nil {
		result.Error = fmt.Sprintf("failed to push branch: %s", pushOutput)
		result.Output = pushOutput
		return result, nil
	}

	args := []string{"pr", "create", "--title", title, "--body", body, "--head", branch}
	if cleanBase := strings.TrimPrefix(baseBranch, "origin/"); cleanBase != "" {
		args = append(args, "--base", cleanBase)
	}

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = g.getWorkDir()
	cmd.Env = filterGitEnv(os.Environ())
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	if err := cmd.Run(); err != nil {
		result.Error = fmt.Sprintf("%s: %s", err.Error(), strings.TrimSpace(stderr.String()))
		result.Output = stdout.String() + stderr.String()
		return result, nil
	}

	result.PRURL = strings.TrimSpace(stdout.String())
	result.Success = true
	return result, nil
}

// Dir returns the working directory this operator acts on. Mostly used by
// path-resolution helpers that need to stay in sync with the operator's root.
func (g *Operator) Dir() string {
	return g.getWorkDir()
}
