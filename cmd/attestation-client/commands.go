package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/DIMO-Network/tpm-attestation/internal/app"
	"github.com/DIMO-Network/tpm-attestation/pkg/client"
	"github.com/spf13/cobra"
)

type clientFunc func() *client.Client

func statusCommand(newClient clientFunc) *cobra.Command {
	var extended bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show preparation and enrollment status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := newClient().Status(cmd.Context(), extended)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().BoolVar(&extended, "extended", false, "include the verified boot check")
	return cmd
}

func prepareCommand(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Create the identity used to enroll",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newClient().Prepare(cmd.Context())
		},
	}
}

func enrollCommand(newClient clientFunc) *cobra.Command {
	var (
		pca  string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Prepare and enroll with a Privacy CA in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient()
			task, err := c.StartEnrollment(cmd.Context(), pca)
			if err != nil {
				return err
			}
			if wait {
				if task, err = c.WaitTask(cmd.Context(), 500*time.Millisecond); err != nil {
					return err
				}
			}
			if err := printJSON(cmd.OutOrStdout(), task); err != nil {
				return err
			}
			if task.Error != "" {
				return fmt.Errorf("enrollment failed: %s", task.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pca, "pca", "default", "privacy ca")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the task to finish")
	return cmd
}

func enrollRequestCommand(newClient clientFunc) *cobra.Command {
	var pca, output string
	cmd := &cobra.Command{
		Use:   "create-enroll-request",
		Short: "Write an encoded enrollment request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := newClient().CreateEnrollRequest(cmd.Context(), pca)
			if err != nil {
				return err
			}
			return writeOutput(cmd, output, req)
		},
	}
	cmd.Flags().StringVar(&pca, "pca", "default", "privacy ca")
	cmd.Flags().StringVar(&output, "output", "-", "output file")
	return cmd
}

func enrollFinishCommand(newClient clientFunc) *cobra.Command {
	var pca, input string
	cmd := &cobra.Command{
		Use:   "finish-enroll",
		Short: "Consume an encoded enrollment response",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			return newClient().FinishEnroll(cmd.Context(), pca, resp)
		},
	}
	cmd.Flags().StringVar(&pca, "pca", "default", "privacy ca")
	cmd.Flags().StringVar(&input, "input", "-", "input file")
	return cmd
}

func enrollmentIDCommand(newClient clientFunc) *cobra.Command {
	var ignoreCache bool
	cmd := &cobra.Command{
		Use:   "enrollment-id",
		Short: "Print the enterprise enrollment id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := newClient().EnrollmentID(cmd.Context(), ignoreCache)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%X\n", id)
			return err
		},
	}
	cmd.Flags().BoolVar(&ignoreCache, "ignore-cache", false, "recompute the id")
	return cmd
}

func certificateFlags(cmd *cobra.Command, req *app.CertificateRequest) {
	cmd.Flags().StringVar(&req.PCA, "pca", "default", "privacy ca")
	cmd.Flags().StringVar(&req.Profile, "profile", "ENTERPRISE_MACHINE_CERTIFICATE", "certificate profile")
	cmd.Flags().StringVar(&req.Origin, "origin", "", "origin for stable-id certificates")
}

func certificateCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var req app.CertificateRequest
	cmd := &cobra.Command{
		Use:   "get-certificate",
		Short: "Print the certificate chain of a key, obtaining it when needed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Username = opts.user
			chain, err := newClient().Certificate(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), chain)
			return err
		},
	}
	certificateFlags(cmd, &req)
	cmd.Flags().StringVar(&req.KeyName, "key", "", "key name")
	cmd.Flags().BoolVar(&req.ForceNew, "force", false, "obtain a new certificate even if the key exists")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func certRequestCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var (
		req    app.CertificateRequest
		output string
	)
	cmd := &cobra.Command{
		Use:   "create-cert-request",
		Short: "Write an encoded certificate request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Username = opts.user
			encoded, err := newClient().CreateCertRequest(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeOutput(cmd, output, encoded)
		},
	}
	certificateFlags(cmd, &req)
	cmd.Flags().StringVar(&output, "output", "-", "output file")
	return cmd
}

func certFinishCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var input, keyName string
	cmd := &cobra.Command{
		Use:   "finish-cert-request",
		Short: "Consume an encoded certificate response and print the chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			chain, err := newClient().FinishCertRequest(cmd.Context(), app.FinishCertificateRequest{
				Response: resp,
				Username: opts.user,
				KeyName:  keyName,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), chain)
			return err
		},
	}
	cmd.Flags().StringVar(&input, "input", "-", "input file")
	cmd.Flags().StringVar(&keyName, "key", "", "key name")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func keyInfoCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var keyName string
	cmd := &cobra.Command{
		Use:   "key-info",
		Short: "Describe a certified key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := newClient().KeyInfo(cmd.Context(), opts.user, keyName)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "key name")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func setPayloadCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var keyName, input string
	cmd := &cobra.Command{
		Use:   "set-key-payload",
		Short: "Attach a payload to a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			return newClient().SetKeyPayload(cmd.Context(), opts.user, keyName, payload)
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "key name")
	cmd.Flags().StringVar(&input, "input", "-", "payload file")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func deleteKeyCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var keyName string
	cmd := &cobra.Command{
		Use:   "delete-key",
		Short: "Delete a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newClient().DeleteKey(cmd.Context(), opts.user, keyName)
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "key name")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func deleteKeysCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "delete-keys",
		Short: "Delete every key whose name starts with a prefix",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newClient().DeleteKeys(cmd.Context(), opts.user, prefix)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "key name prefix")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func registerCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var keyName string
	cmd := &cobra.Command{
		Use:   "register-key",
		Short: "Hand a user key to the user's token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newClient().RegisterKey(cmd.Context(), opts.user, keyName)
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "key name")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func signSimpleCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var keyName, input, output string
	cmd := &cobra.Command{
		Use:   "sign-simple-challenge",
		Short: "Sign a challenge with a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			challenge, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			signed, err := newClient().SignSimpleChallenge(cmd.Context(), opts.user, keyName, challenge)
			if err != nil {
				return err
			}
			return writeOutput(cmd, output, signed)
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "key name")
	cmd.Flags().StringVar(&input, "input", "-", "challenge file")
	cmd.Flags().StringVar(&output, "output", "-", "output file")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func signEnterpriseCommand(newClient clientFunc, opts *rootOptions) *cobra.Command {
	var (
		keyName, input, output, deviceID string
		req                               app.EnterpriseChallengeRequest
	)
	cmd := &cobra.Command{
		Use:   "sign-enterprise-challenge",
		Short: "Answer an enterprise challenge with a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			challenge, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			req.Challenge = challenge
			req.DeviceID = []byte(deviceID)
			signed, err := newClient().SignEnterpriseChallenge(cmd.Context(), opts.user, keyName, req)
			if err != nil {
				return err
			}
			return writeOutput(cmd, output, signed)
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "key name")
	cmd.Flags().StringVar(&req.VAType, "va", "default", "verified access server")
	cmd.Flags().StringVar(&req.Domain, "domain", "", "enrollment domain")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device id")
	cmd.Flags().BoolVar(&req.IncludeSignedPublicKey, "spkac", false, "include a signed public key and challenge")
	cmd.Flags().StringVar(&input, "input", "-", "challenge file")
	cmd.Flags().StringVar(&output, "output", "-", "output file")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func endorsementCommand(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "endorsement-info",
		Short: "Print the endorsement certificate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := newClient().EndorsementInfo(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), info.Info)
			return err
		},
	}
}

func identityCommand(newClient clientFunc) *cobra.Command {
	var pca string
	cmd := &cobra.Command{
		Use:   "attestation-key-info",
		Short: "Describe the identity key enrolled with a Privacy CA",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := newClient().AttestationKeyInfo(cmd.Context(), pca)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&pca, "pca", "default", "privacy ca")
	return cmd
}

func verifyCommand(newClient clientFunc) *cobra.Command {
	var ekOnly, crosCore bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the attestation data against the TPM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			verified, err := newClient().Verify(cmd.Context(), ekOnly, crosCore)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "verified: %t\n", verified); err != nil {
				return err
			}
			if !verified {
				return errors.New("verification failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&ekOnly, "ek-only", false, "only check the endorsement credential")
	cmd.Flags().BoolVar(&crosCore, "cros-core", false, "check against the locked platform endorsement CAs")
	return cmd
}
