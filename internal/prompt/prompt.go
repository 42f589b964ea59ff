// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package prompt provides interactive prompts for wallet setup: private
// passphrase entry and BIP39 mnemonic entry and backup confirmation.
package prompt

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/term"

	"github.com/btcsuite/spvwallet/walletseed"
)

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string, defaultEntry string) (string, error) {
	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptListBool prompts the user for a boolean (yes/no) with the given
// prefix.  The function will repeat the prompt to the user until they enter
// a valid response.
func promptListBool(reader *bufio.Reader, prefix string, defaultEntry string) (bool, error) {
	// Setup the valid responses.
	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// readPass reads a passphrase without echo when stdin is a terminal, and
// falls back to a plain line read otherwise so piped input still works.
func readPass(reader *bufio.Reader) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pass, err := term.ReadPassword(fd)
		if err != nil {
			return nil, err
		}
		return pass, nil
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(line), nil
}

// PassPrompt prompts the user for a passphrase with the given prefix.  The
// function will ask the user to confirm the passphrase and will repeat the
// prompts until they enter a matching response.
func PassPrompt(reader *bufio.Reader, prefix string, confirm bool) ([]byte, error) {
	// Prompt the user until they enter a passphrase.
	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Print(prompt)
		pass, err := readPass(reader)
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			continue
		}

		if !confirm {
			return pass, nil
		}

		fmt.Print("Confirm passphrase: ")
		confirmPass, err := readPass(reader)
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		confirmPass = bytes.TrimSpace(confirmPass)
		if !bytes.Equal(pass, confirmPass) {
			fmt.Println("The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}

// PrivatePass prompts the user for a private passphrase.  All prompts are
// repeated until the user enters a valid response.
func PrivatePass(reader *bufio.Reader) ([]byte, error) {
	return PassPrompt(reader, "Enter the private passphrase for your new wallet", true)
}

// UnlockPass prompts the user for the passphrase of an existing wallet
// without confirmation.
func UnlockPass(reader *bufio.Reader) ([]byte, error) {
	return PassPrompt(reader, "Enter the private passphrase of your wallet", false)
}

// Mnemonic prompts the user whether they want to restore a wallet from an
// existing BIP39 mnemonic.  When the user answers yes, the mnemonic is read
// and validated; the returned bool reports whether a mnemonic was provided.
func Mnemonic(reader *bufio.Reader) (string, bool, error) {
	useExisting, err := promptListBool(reader, "Do you have an "+
		"existing wallet mnemonic you want to use?", "no")
	if err != nil {
		return "", false, err
	}
	if !useExisting {
		return "", false, nil
	}

	for {
		fmt.Print("Enter existing wallet mnemonic: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", false, err
		}
		mnemonic := collapseSpace(strings.TrimSpace(strings.ToLower(line)))
		if err := walletseed.ValidateMnemonic(mnemonic); err != nil {
			fmt.Printf("Invalid mnemonic specified: %v\n", err)
			continue
		}
		return mnemonic, true, nil
	}
}

// ConfirmSeedBackup displays the mnemonic backing a newly created wallet
// and blocks until the user confirms it has been written down.
func ConfirmSeedBackup(reader *bufio.Reader, mnemonic string) error {
	fmt.Println("Your wallet generation mnemonic is:")
	fmt.Printf("\n%s\n\n", mnemonic)
	fmt.Println("IMPORTANT: Keep the mnemonic in a safe place as you\n" +
		"will NOT be able to restore your wallet without it.")
	fmt.Println("Please keep in mind that anyone who has access\n" +
		"to the mnemonic can also restore your wallet thereby\n" +
		"giving them access to all your funds, so it is\n" +
		"imperative that you keep it in a secure location.")

	for {
		fmt.Print(`Once you have stored the mnemonic in a safe ` +
			`and secure location, enter "OK" to continue: `)
		confirmSeed, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		confirmSeed = strings.TrimSpace(confirmSeed)
		confirmSeed = strings.Trim(confirmSeed, `"`)
		if confirmSeed == "OK" {
			return nil
		}
	}
}

// collapseSpace takes a string and replaces any repeated areas of whitespace
// with a single space character.
func collapseSpace(in string) string {
	whiteSpace := false
	out := ""
	for _, c := range in {
		if unicode.IsSpace(c) {
			if !whiteSpace {
				out = out + " "
			}
			whiteSpace = true
		} else {
			out = out + string(c)
			whiteSpace = false
		}
	}
	return out
}
