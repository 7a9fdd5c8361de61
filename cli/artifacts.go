package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalexec/artifact"
	"github.com/petal-labs/petalexec/tool"
	"github.com/petal-labs/petalexec/verify"
)

// NewDigestCmd creates the "digest" subcommand.
func NewDigestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest <file>...",
		Short: "Print the sha256 digest of artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				data, err := readArtifactFile(path)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					fmt.Fprintln(cmd.OutOrStdout(), artifact.Digest(data))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", artifact.Digest(data), path)
			}
			return nil
		},
	}
}

// NewSignCmd creates the "sign" subcommand.
func NewSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <file>",
		Short: "Write a detached ed25519 signature next to an artifact",
		Args:  cobra.ExactArgs(1),
		RunE:  runSign,
	}
	cmd.Flags().String("key", "", "Path to a PEM ed25519 private key")
	cmd.Flags().String("key-id", "", "Signer key id recorded in the signature")
	cmd.Flags().StringP("output", "o", "", "Signature path (default: <file>"+artifact.SignatureSuffix+")")
	return cmd
}

func runSign(cmd *cobra.Command, args []string) error {
	keyPath, _ := cmd.Flags().GetString("key")
	keyID, _ := cmd.Flags().GetString("key-id")
	if strings.TrimSpace(keyPath) == "" || strings.TrimSpace(keyID) == "" {
		return exitError(exitValidation, "--key and --key-id are required")
	}

	data, err := readArtifactFile(args[0])
	if err != nil {
		return err
	}
	key, err := verify.LoadPrivateKey(keyPath)
	if err != nil {
		return exitError(exitValidation, "loading private key: %v", err)
	}
	sig, err := verify.Sign(strings.TrimSpace(keyID), key, data)
	if err != nil {
		return exitError(exitRuntime, "signing: %v", err)
	}

	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		out = args[0] + artifact.SignatureSuffix
	}
	if err := os.WriteFile(out, sig, 0o644); err != nil {
		return exitError(exitRuntime, "writing signature: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed %s (%s) -> %s\n", args[0], artifact.Digest(data), out)
	return nil
}

// NewVerifyCmd creates the "verify" subcommand.
func NewVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Check an artifact against a verification policy",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}
	cmd.Flags().String("verify", string(verify.ModeDigest), "Verification mode: none | digest | digest+signature")
	cmd.Flags().String("expect-digest", "", "Expected sha256 digest")
	cmd.Flags().Bool("allow-unverified", false, "Admit artifacts with no expected digest")
	cmd.Flags().StringArray("trusted-key", nil, "Trusted signer as keyid=public.pem (repeatable)")
	cmd.Flags().String("signature", "", "Signature path (default: <file>"+artifact.SignatureSuffix+" if present)")
	cmd.Flags().String("tool", "", "Tool name used for per-tool digests and messages")
	return cmd
}

func runVerify(cmd *cobra.Command, args []string) error {
	policy, err := verifyPolicyFromFlags(cmd)
	if err != nil {
		return err
	}

	path := args[0]
	data, err := readArtifactFile(path)
	if err != nil {
		return err
	}
	sigPath, _ := cmd.Flags().GetString("signature")
	explicitSig := sigPath != ""
	if !explicitSig {
		sigPath = path + artifact.SignatureSuffix
	}
	sig, err := os.ReadFile(sigPath) // #nosec G304 -- CLI path argument.
	if err != nil && (explicitSig || !errors.Is(err, os.ErrNotExist)) {
		return exitError(exitFileNotFound, "reading signature: %v", err)
	}

	name, _ := cmd.Flags().GetString("tool")
	if name == "" {
		name = filepath.Base(path)
	}
	subject := verify.Subject{
		Tool: name,
		Artifact: artifact.Artifact{
			Location:  path,
			Bytes:     data,
			Digest:    artifact.Digest(data),
			Signature: sig,
		},
	}
	if err := verify.Verify(subject, policy); err != nil {
		writeToolError(cmd.ErrOrStderr(), err)
		return toolExitError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK %s %s (%s)\n", path, subject.Artifact.Digest, policy.Mode)
	return nil
}

// NewKeygenCmd creates the "keygen" subcommand.
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen <prefix>",
		Short: "Generate an ed25519 key pair as <prefix>.key and <prefix>.pub",
		Args:  cobra.ExactArgs(1),
		RunE:  runKeygen,
	}
	cmd.Flags().Bool("force", false, "Overwrite existing key files")
	return cmd
}

func runKeygen(cmd *cobra.Command, args []string) error {
	prefix := args[0]
	force, _ := cmd.Flags().GetBool("force")
	privPath, pubPath := prefix+".key", prefix+".pub"
	if !force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return exitError(exitValidation, "%s already exists (use --force)", p)
			}
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return exitError(exitRuntime, "generating key: %v", err)
	}
	privPEM, err := verify.EncodePrivateKey(priv)
	if err != nil {
		return exitError(exitRuntime, "encoding private key: %v", err)
	}
	pubPEM, err := verify.EncodePublicKey(pub)
	if err != nil {
		return exitError(exitRuntime, "encoding public key: %v", err)
	}
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return exitError(exitRuntime, "writing private key: %v", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return exitError(exitRuntime, "writing public key: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", privPath, pubPath)
	return nil
}

func readArtifactFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- CLI path argument.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, toolExitError(tool.NewError(tool.ToolErrorCodeNotFound, "artifact not found: "+path, false, err))
		}
		return nil, exitError(exitRuntime, "reading %s: %v", path, err)
	}
	return data, nil
}
